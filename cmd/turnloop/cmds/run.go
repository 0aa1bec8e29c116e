package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/turnloop/pkg/agent"
	"github.com/go-go-golems/turnloop/pkg/events"
	"github.com/go-go-golems/turnloop/pkg/helpers"
	"github.com/go-go-golems/turnloop/pkg/usage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

const eventTopic = "turnloop-events"

type runSettings struct {
	Script       string
	Prompt       string
	Player       string
	Stream       bool
	Debounce     time.Duration
	EndStrategy  string
	MaxRetries   int
	RequestLimit int
	Structured   bool
	Transcript   bool
	PrintEvents  bool
}

func runSettingsFromViper() runSettings {
	return runSettings{
		Script:       viper.GetString("script"),
		Prompt:       viper.GetString("prompt"),
		Player:       viper.GetString("player"),
		Stream:       viper.GetBool("stream"),
		Debounce:     viper.GetDuration("debounce"),
		EndStrategy:  viper.GetString("end-strategy"),
		MaxRetries:   viper.GetInt("max-retries"),
		RequestLimit: viper.GetInt("request-limit"),
		Structured:   viper.GetBool("structured"),
		Transcript:   viper.GetBool("transcript"),
		PrintEvents:  viper.GetBool("print-events"),
	}
}

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an agent against a scripted model",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			s := runSettingsFromViper()
			if s.Script == "" {
				return errors.New("--script is required")
			}
			return runScript(cmd.Context(), s, cmd.OutOrStdout())
		},
	}

	cmd.Flags().String("script", "", "YAML script of model responses")
	cmd.Flags().String("prompt", "", "User prompt (default: the script's prompt)")
	cmd.Flags().String("player", "Anne", "Player name handed to tools as run dependencies")
	cmd.Flags().Bool("stream", false, "Stream the final response")
	cmd.Flags().Duration("debounce", 100*time.Millisecond, "Debounce window for streamed values")
	cmd.Flags().String("end-strategy", string(agent.EndStrategyEarly), "What to do with other tool calls once a final result is found (early, exhaustive)")
	cmd.Flags().Int("max-retries", agent.DefaultRetries, "Retries allowed for tools and result validation")
	cmd.Flags().Int("request-limit", usage.DefaultRequestLimit, "Maximum number of model requests")
	cmd.Flags().Bool("structured", false, "Expect a structured result (player, roll) instead of text")
	cmd.Flags().Bool("transcript", true, "Print the JSON transcript of the run")
	cmd.Flags().Bool("print-events", true, "Print tool events while the run progresses")

	return cmd
}

func runScript(ctx context.Context, s runSettings, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	script, err := LoadScript(s.Script)
	if err != nil {
		return err
	}
	prompt := s.Prompt
	if prompt == "" {
		prompt = script.Prompt
	}
	endStrategy, err := agent.ParseEndStrategy(s.EndStrategy)
	if err != nil {
		return err
	}
	demoTools, err := DemoTools()
	if err != nil {
		return err
	}
	opts := []agent.Option{
		agent.WithName("turnloop"),
		agent.WithModel(NewScriptedModel(script)),
		agent.WithSystemPrompt("You are a dice game host."),
		agent.WithTools(demoTools...),
		agent.WithEndStrategy(endStrategy),
		agent.WithRetries(s.MaxRetries),
		agent.WithUsageLimits(&usage.Limits{RequestLimit: helpers.ToPtr(s.RequestLimit)}),
		agent.WithDefaultDeps(s.Player),
	}

	router, err := events.NewEventRouter(events.WithVerbose(log.Debug().Enabled()))
	if err != nil {
		return err
	}
	aggregator := events.NewToolEventAggregator()
	if s.PrintEvents {
		router.AddHandler("printer", eventTopic, events.StepPrinterFunc("", w))
	}
	router.AddHandler("tool-aggregator", eventTopic, func(msg *message.Message) error {
		defer msg.Ack()
		e, err := events.NewEventFromJSON(msg.Payload)
		if err != nil {
			return err
		}
		aggregator.Handle(e)
		return nil
	})

	eg, groupCtx := errgroup.WithContext(ctx)
	routerCtx, cancelRouter := context.WithCancel(groupCtx)
	eg.Go(func() error {
		return router.Run(routerCtx)
	})
	eg.Go(func() error {
		defer cancelRouter()
		select {
		case <-router.Running():
		case <-routerCtx.Done():
			return routerCtx.Err()
		}

		runCtx := events.WithEventSinks(groupCtx, router.Sink(eventTopic))
		var out *runOutput
		var err error
		if s.Structured {
			a, aerr := agent.New[RollSummary](opts...)
			if aerr != nil {
				return aerr
			}
			out, err = execute(runCtx, a, prompt, s)
		} else {
			a, aerr := agent.New[string](opts...)
			if aerr != nil {
				return aerr
			}
			out, err = execute(runCtx, a, prompt, s)
		}
		if err != nil {
			return err
		}
		return out.print(w, aggregator, s.Transcript)
	})

	err = eg.Wait()
	if cerr := router.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

type runOutput struct {
	Data       any
	ToolName   string
	Usage      usage.Usage
	Transcript json.RawMessage
}

func execute[R any](ctx context.Context, a *agent.Agent[R], prompt string, s runSettings) (*runOutput, error) {
	if !s.Stream {
		res, err := a.Run(ctx, prompt)
		if err != nil {
			return nil, err
		}
		transcript, err := res.AllMessagesJSON()
		if err != nil {
			return nil, err
		}
		return &runOutput{Data: res.Data, ToolName: res.ToolName, Usage: res.Usage(), Transcript: transcript}, nil
	}

	sr, err := a.RunStream(ctx, prompt)
	if err != nil {
		return nil, err
	}
	var data any
	if sr.ToolName() == "" {
		ch, err := sr.StreamText(ctx, false, s.Debounce)
		if err != nil {
			return nil, err
		}
		for r := range ch {
			text, err := r.Value()
			if err != nil {
				return nil, err
			}
			log.Debug().Str("text", text).Msg("streamed text")
			data = text
		}
	} else {
		for r := range sr.Stream(ctx, s.Debounce) {
			v, err := r.Value()
			if err != nil {
				return nil, err
			}
			log.Debug().Interface("partial", v).Msg("streamed result")
			data = v
		}
	}
	transcript, err := sr.AllMessagesJSON()
	if err != nil {
		return nil, err
	}
	return &runOutput{Data: data, ToolName: sr.ToolName(), Usage: sr.Usage(), Transcript: transcript}, nil
}

func (o *runOutput) print(w io.Writer, aggregator *events.ToolEventAggregator, transcript bool) error {
	if lines := aggregator.Lines(); len(lines) > 0 {
		fmt.Fprintln(w, "\ntools:")
		for _, l := range lines {
			fmt.Fprintf(w, "  %s\n", l)
		}
	}

	summary := map[string]any{
		"result": o.Data,
		"usage": map[string]int{
			"requests":        o.Usage.Requests,
			"request_tokens":  o.Usage.RequestTokens,
			"response_tokens": o.Usage.ResponseTokens,
			"total_tokens":    o.Usage.TotalTokens,
		},
	}
	if o.ToolName != "" {
		summary["result_tool"] = o.ToolName
	}
	b, err := yaml.Marshal(summary)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%s", b)

	if !transcript {
		return nil
	}
	var indented any
	if err := json.Unmarshal(o.Transcript, &indented); err != nil {
		return err
	}
	pretty, err := json.MarshalIndent(indented, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\ntranscript:\n%s\n", pretty)
	return nil
}
