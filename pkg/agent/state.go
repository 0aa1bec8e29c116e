// Package agent runs the turn loop: it builds the request, calls the model, dispatches tool
// calls, validates the final result and retries within bounds.
package agent

import (
	"github.com/go-go-golems/turnloop/pkg/graph"
	"github.com/go-go-golems/turnloop/pkg/messages"
	"github.com/go-go-golems/turnloop/pkg/models"
	"github.com/go-go-golems/turnloop/pkg/result"
	"github.com/go-go-golems/turnloop/pkg/runerrors"
	"github.com/go-go-golems/turnloop/pkg/tools"
	"github.com/go-go-golems/turnloop/pkg/usage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "turnloop.agent"

// EndStrategy decides what happens to other tool calls of a response once a final result
// was found in it.
type EndStrategy string

const (
	// EndStrategyEarly answers the remaining function tool calls with a stub.
	EndStrategyEarly EndStrategy = "early"
	// EndStrategyExhaustive runs every function tool call.
	EndStrategyExhaustive EndStrategy = "exhaustive"
)

func ParseEndStrategy(s string) (EndStrategy, error) {
	switch EndStrategy(s) {
	case EndStrategyEarly, EndStrategyExhaustive:
		return EndStrategy(s), nil
	case "":
		return EndStrategyEarly, nil
	default:
		return "", errors.Errorf("unknown end strategy %q", s)
	}
}

// State is mutated by the nodes of one run, one node at a time.
type State struct {
	MessageHistory []messages.Message
	Usage          usage.Usage
	Retries        int
	RunStep        int

	capture *RunMessages
}

// IncrementRetries counts one retry. The increment that would exceed maxResultRetries
// fails instead, leaving Retries unchanged.
func (s *State) IncrementRetries(maxResultRetries int) error {
	if s.Retries+1 > maxResultRetries {
		return runerrors.NewUnexpectedModelBehavior("Exceeded maximum retries (%d) for result validation", maxResultRetries)
	}
	s.Retries++
	log.Warn().Int("retries", s.Retries).Int("max_result_retries", maxResultRetries).Msg("retrying")
	return nil
}

func (s *State) appendMessage(m messages.Message) {
	s.MessageHistory = append(s.MessageHistory, m)
	s.capture.set(s.MessageHistory)
}

func (s *State) setHistory(msgs []messages.Message) {
	s.MessageHistory = msgs
	s.capture.set(s.MessageHistory)
}

// Deps is fixed for the duration of a run. Only the tools' retry counters change.
type Deps[R any] struct {
	UserDeps        any
	Prompt          string
	NewMessageIndex int

	Model            models.Model
	ModelSettings    *models.Settings
	UsageLimits      *usage.Limits
	MaxResultRetries int
	EndStrategy      EndStrategy
	MaxParallelTools int

	// ResultSchema is nil when the run produces plain text.
	ResultSchema     *result.Schema[R]
	ResultValidators []result.Validator[R]

	FunctionTools *tools.Registry

	RunSpan trace.Span
	Tracer  trace.Tracer
}

func (d *Deps[R]) tracer() trace.Tracer {
	if d.Tracer == nil {
		return otel.Tracer(tracerName)
	}
	return d.Tracer
}

func buildRunContext[R any](gctx *graph.RunContext[*State, *Deps[R]]) *tools.RunContext {
	return &tools.RunContext{
		Deps:     gctx.Deps.UserDeps,
		Model:    gctx.Deps.Model,
		Usage:    gctx.State.Usage,
		Prompt:   gctx.Deps.Prompt,
		Messages: gctx.State.MessageHistory,
		RunStep:  gctx.State.RunStep,
	}
}
