// Package evals grades model output against a rubric with a judging agent.
package evals

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-go-golems/turnloop/pkg/agent"
	"github.com/go-go-golems/turnloop/pkg/events"
	"github.com/go-go-golems/turnloop/pkg/models"
	"github.com/pkg/errors"
)

// GradingOutput is the verdict of a judge.
type GradingOutput struct {
	Reason string  `json:"reason"`
	Pass   bool    `json:"pass"`
	Score  float64 `json:"score"`
}

const judgeOutputPrompt = `You are grading output according to a user-specified rubric. If the statement in the rubric is true, then the output passes the test. You respond with a JSON object with this structure: {reason: string, pass: boolean, score: number}

Examples:

<Output>Hello world</Output>
<Rubric>Content contains a greeting</Rubric>
{"reason": "the content contains the word 'Hello'", "pass": true, "score": 1.0}

<Output>Avast ye swabs, repel the invaders!</Output>
<Rubric>Does not speak like a pirate</Rubric>
{"reason": "'avast ye' is a common pirate term", "pass": false, "score": 0.0}
`

const judgeInputOutputPrompt = `You are grading output according to a user-specified rubric. If the statement in the rubric is true for the provided input and output, then the output passes the test. You respond with a JSON object with this structure: {reason: string, pass: boolean, score: number}

Examples:

<Input>Hello world</Input>
<Output>Hello</Output>
<Rubric>Content contains a greeting word which is present in the input</Rubric>
{"reason": "the content contains the word 'Hello'", "pass": true, "score": 1.0}

<Input>Pirate</Input>
<Output>Avast ye swabs, repel the invaders!</Output>
<Rubric>Does not speak in the style described by the input</Rubric>
{"reason": "'avast ye' is a common pirate term", "pass": false, "score": 0.0}
`

func judge(ctx context.Context, name, systemPrompt, prompt string, model models.Model) (GradingOutput, error) {
	a, err := agent.New[GradingOutput](
		agent.WithName(name),
		agent.WithSystemPrompt(systemPrompt),
	)
	if err != nil {
		return GradingOutput{}, err
	}
	res, err := a.Run(events.WithoutEventSinks(ctx), prompt, agent.WithRunModel(model))
	if err != nil {
		return GradingOutput{}, errors.Wrap(err, name)
	}
	return res.Data, nil
}

// JudgeOutput grades output against rubric.
func JudgeOutput(ctx context.Context, output any, rubric string, model models.Model) (GradingOutput, error) {
	prompt := fmt.Sprintf("<Output>\n%s\n</Output>\n<Rubric>\n%s\n</Rubric>", Stringify(output), rubric)
	return judge(ctx, "judge_output", judgeOutputPrompt, prompt, model)
}

// JudgeInputOutput grades output against rubric, given the inputs that produced it.
func JudgeInputOutput(ctx context.Context, inputs any, output any, rubric string, model models.Model) (GradingOutput, error) {
	prompt := fmt.Sprintf("<Input>\n%s\n</Input><Output>\n%s\n</Output>\n<Rubric>\n%s\n</Rubric>",
		Stringify(inputs), Stringify(output), rubric)
	return judge(ctx, "judge_input_output", judgeInputOutputPrompt, prompt, model)
}

// Stringify renders v for a judge prompt: strings as is, everything else as JSON when
// possible.
func Stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}
