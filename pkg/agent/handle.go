package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-go-golems/turnloop/pkg/events"
	"github.com/go-go-golems/turnloop/pkg/graph"
	"github.com/go-go-golems/turnloop/pkg/messages"
	"github.com/go-go-golems/turnloop/pkg/result"
	"github.com/go-go-golems/turnloop/pkg/runerrors"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const plainTextNotPermitted = "Plain text responses are not permitted, please call one of the functions instead."

// HandleResponseNode decides what follows a model response: run tools, retry, or end.
type HandleResponseNode[R any] struct {
	ModelResponse *messages.ModelResponse

	stream        *HandleStream
	next          graph.Node[*State, *Deps[R], result.FinalResult[R]]
	toolResponses []messages.RequestPart
}

func NewHandleResponseNode[R any](resp *messages.ModelResponse) *HandleResponseNode[R] {
	return &HandleResponseNode[R]{ModelResponse: resp}
}

func (*HandleResponseNode[R]) ID() string { return "HandleResponseNode" }

func (n *HandleResponseNode[R]) Run(ctx context.Context, gctx *graph.RunContext[*State, *Deps[R]]) (graph.Node[*State, *Deps[R], result.FinalResult[R]], error) {
	if n.next != nil {
		return n.next, nil
	}
	if n.stream != nil {
		if err := n.stream.Wait(); err != nil {
			return nil, err
		}
		return n.next, nil
	}

	emit := func(e events.Event) error {
		events.PublishEventToContext(ctx, e)
		return nil
	}
	if err := n.handle(ctx, gctx, emit); err != nil {
		return nil, err
	}
	return n.next, nil
}

// HandleStream delivers the tool events of a response while it is being handled.
type HandleStream struct {
	events chan events.Event
	done   chan struct{}
	err    error
}

// Events is closed once handling finished.
func (s *HandleStream) Events() <-chan events.Event {
	return s.events
}

// Wait discards unread events and returns the handling error.
func (s *HandleStream) Wait() error {
	for range s.events {
	}
	<-s.done
	return s.err
}

// Events starts handling the response in the background. The caller reads tool call and
// tool result events from the returned stream; running the node afterwards returns the
// successor. Calling Events again returns the same stream.
func (n *HandleResponseNode[R]) Events(ctx context.Context, gctx *graph.RunContext[*State, *Deps[R]]) (*HandleStream, error) {
	if n.stream != nil {
		return n.stream, nil
	}
	s := &HandleStream{
		events: make(chan events.Event),
		done:   make(chan struct{}),
	}
	n.stream = s

	if n.next != nil {
		close(s.events)
		close(s.done)
		return s, nil
	}

	emit := func(e events.Event) error {
		events.PublishEventToContext(ctx, e)
		select {
		case s.events <- e:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	go func() {
		defer close(s.done)
		s.err = n.handle(ctx, gctx, emit)
		close(s.events)
	}()
	return s, nil
}

func (n *HandleResponseNode[R]) handle(ctx context.Context, gctx *graph.RunContext[*State, *Deps[R]], emit func(events.Event) error) error {
	ctx, span := gctx.Deps.tracer().Start(ctx, "handle model response")
	defer span.End()

	var texts []string
	var calls []messages.ToolCallPart
	for _, part := range n.ModelResponse.Parts {
		switch p := part.(type) {
		case messages.TextPart:
			if p.HasContent() {
				texts = append(texts, p.Content)
			}
		case messages.ToolCallPart:
			calls = append(calls, p)
		default:
			return runerrors.NewUnexpectedModelBehavior("unexpected response part %T", part)
		}
	}

	var next graph.Node[*State, *Deps[R], result.FinalResult[R]]
	var err error
	switch {
	case len(calls) > 0:
		next, err = n.handleToolCalls(ctx, gctx, calls, emit)
	case len(texts) > 0:
		next, err = n.handleText(ctx, gctx, texts, emit)
	default:
		err = runerrors.NewUnexpectedModelBehavior("Received empty model response")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if final, ok := next.(*FinalResultNode[R]); ok {
		span.SetAttributes(attribute.String("result", fmt.Sprintf("%v", final.Data.Data)))
	} else {
		span.SetAttributes(attribute.Int("tool_responses", len(n.toolResponses)))
	}
	n.next = next
	return nil
}

func (n *HandleResponseNode[R]) handleToolCalls(
	ctx context.Context,
	gctx *graph.RunContext[*State, *Deps[R]],
	calls []messages.ToolCallPart,
	emit func(events.Event) error,
) (graph.Node[*State, *Deps[R], result.FinalResult[R]], error) {
	var final *result.FinalResult[R]
	var parts []messages.RequestPart

	if call, tool, ok := gctx.Deps.ResultSchema.FindTool(calls); ok {
		data, err := tool.Validate(call, false, true)
		if err == nil {
			rc := buildRunContext(gctx).ReplaceWith(gctx.State.Retries, call.ToolName)
			data, err = result.ValidateChain(ctx, gctx.Deps.ResultValidators, data, &call, rc)
		}
		var retryErr *result.ToolRetryError
		switch {
		case err == nil:
			final = &result.FinalResult[R]{Data: data, ToolName: call.ToolName, ToolCallID: call.ToolCallID}
		case errors.As(err, &retryErr):
			if err := gctx.State.IncrementRetries(gctx.Deps.MaxResultRetries); err != nil {
				return nil, err
			}
			parts = append(parts, retryErr.Part)
		default:
			return nil, err
		}
	}

	resultToolName := ""
	if final != nil {
		resultToolName = final.ToolName
	}
	if err := processFunctionTools(ctx, gctx, calls, resultToolName, &n.toolResponses, emit); err != nil {
		return nil, err
	}

	if final != nil {
		if err := emit(events.NewFinalResultEvent(eventMetadata(gctx), final.ToolName, final.ToolCallID)); err != nil {
			return nil, err
		}
		return &FinalResultNode[R]{Data: *final, ExtraParts: n.toolResponses}, nil
	}

	parts = append(parts, n.toolResponses...)
	return NewModelRequestNode[R](messages.NewModelRequest(parts...)), nil
}

func (n *HandleResponseNode[R]) handleText(
	ctx context.Context,
	gctx *graph.RunContext[*State, *Deps[R]],
	texts []string,
	emit func(events.Event) error,
) (graph.Node[*State, *Deps[R], result.FinalResult[R]], error) {
	if !gctx.Deps.ResultSchema.AllowTextResult() {
		if err := gctx.State.IncrementRetries(gctx.Deps.MaxResultRetries); err != nil {
			return nil, err
		}
		return NewModelRequestNode[R](messages.NewModelRequest(messages.NewRetryPromptPart(plainTextNotPermitted))), nil
	}

	text := strings.Join(texts, "\n\n")
	data, ok := result.TextAs[R](text)
	if !ok {
		return nil, runerrors.NewUserError("text results require a string result type")
	}

	rc := buildRunContext(gctx).ReplaceWith(gctx.State.Retries, "")
	data, err := result.ValidateChain(ctx, gctx.Deps.ResultValidators, data, nil, rc)
	if err != nil {
		var retryErr *result.ToolRetryError
		if !errors.As(err, &retryErr) {
			return nil, err
		}
		if err := gctx.State.IncrementRetries(gctx.Deps.MaxResultRetries); err != nil {
			return nil, err
		}
		return NewModelRequestNode[R](messages.NewModelRequest(retryErr.Part)), nil
	}

	if err := emit(events.NewFinalResultEvent(eventMetadata(gctx), "", "")); err != nil {
		return nil, err
	}
	return &FinalResultNode[R]{Data: result.FinalResult[R]{Data: data}}, nil
}

// FinalResultNode ends the run. ExtraParts, the tool returns of the final response, are
// appended as a trailing request so every tool call in the history has its answer.
type FinalResultNode[R any] struct {
	Data       result.FinalResult[R]
	ExtraParts []messages.RequestPart
}

func (*FinalResultNode[R]) ID() string { return "FinalResultNode" }

func (n *FinalResultNode[R]) Run(_ context.Context, gctx *graph.RunContext[*State, *Deps[R]]) (graph.Node[*State, *Deps[R], result.FinalResult[R]], error) {
	if len(n.ExtraParts) > 0 {
		gctx.State.appendMessage(messages.NewModelRequest(n.ExtraParts...))
	}

	if span := gctx.Deps.RunSpan; span != nil {
		u := gctx.State.Usage
		span.SetAttributes(
			attribute.Int("usage.requests", u.Requests),
			attribute.Int("usage.request_tokens", u.RequestTokens),
			attribute.Int("usage.response_tokens", u.ResponseTokens),
			attribute.Int("usage.total_tokens", u.TotalTokens),
			attribute.Int("all_messages", len(gctx.State.MessageHistory)),
		)
	}
	log.Debug().
		Str("tool", n.Data.ToolName).
		Int("run_step", gctx.State.RunStep).
		Msg("final result")

	return &graph.End[*State, *Deps[R], result.FinalResult[R]]{Data: n.Data}, nil
}

func eventMetadata[R any](gctx *graph.RunContext[*State, *Deps[R]]) events.EventMetadata {
	meta := events.NewEventMetadata(gctx.State.RunStep)
	if gctx.Deps.Model != nil {
		meta.Model = gctx.Deps.Model.Name()
	}
	return meta
}
