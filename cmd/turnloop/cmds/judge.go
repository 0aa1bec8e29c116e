package cmds

import (
	"fmt"

	"github.com/go-go-golems/turnloop/pkg/evals"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func NewJudgeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "judge",
		Short: "Grade an output against a rubric with a scripted judge model",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			input, _ := cmd.Flags().GetString("input")
			rubric, _ := cmd.Flags().GetString("rubric")
			scriptPath, _ := cmd.Flags().GetString("script")
			if rubric == "" || scriptPath == "" {
				return errors.New("--rubric and --script are required")
			}

			script, err := LoadScript(scriptPath)
			if err != nil {
				return err
			}
			model := NewScriptedModel(script)

			var grade evals.GradingOutput
			if input != "" {
				grade, err = evals.JudgeInputOutput(cmd.Context(), input, output, rubric, model)
			} else {
				grade, err = evals.JudgeOutput(cmd.Context(), output, rubric, model)
			}
			if err != nil {
				return err
			}

			b, err := yaml.Marshal(map[string]any{
				"reason": grade.Reason,
				"pass":   grade.Pass,
				"score":  grade.Score,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), string(b))
			return err
		},
	}

	cmd.Flags().String("output", "", "Output to grade")
	cmd.Flags().String("input", "", "Input that produced the output (optional)")
	cmd.Flags().String("rubric", "", "Statement the output should satisfy")
	cmd.Flags().String("script", "", "YAML script of judge model responses")
	return cmd
}
