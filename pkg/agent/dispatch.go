package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-go-golems/turnloop/pkg/events"
	"github.com/go-go-golems/turnloop/pkg/graph"
	"github.com/go-go-golems/turnloop/pkg/messages"
	"github.com/go-go-golems/turnloop/pkg/runerrors"
	"github.com/go-go-golems/turnloop/pkg/tools"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	finalResultProcessed = "Final result processed."
	toolNotExecuted      = "Tool not executed - a final result was already processed."
	resultToolNotUsed    = "Result tool not used - a final result was already processed."
)

type pendingCall struct {
	tool   *tools.Tool
	call   messages.ToolCallPart
	callID string
}

type toolOutcome struct {
	index int
	part  messages.RequestPart
}

// processFunctionTools answers every call of a response. Function tools run concurrently;
// their answers are appended to output in call order once all of them finished.
// resultToolName is the result tool whose call produced the final result, if any.
func processFunctionTools[R any](
	ctx context.Context,
	gctx *graph.RunContext[*State, *Deps[R]],
	calls []messages.ToolCallPart,
	resultToolName string,
	output *[]messages.RequestPart,
	emit func(events.Event) error,
) error {
	stub := resultToolName != "" && gctx.Deps.EndStrategy == EndStrategyEarly
	usedResultTool := false

	var pending []pendingCall
	for _, call := range calls {
		if call.ToolName == resultToolName && !usedResultTool {
			usedResultTool = true
			*output = append(*output, messages.NewToolReturnPart(call.ToolName, finalResultProcessed, call.ToolCallID))
			continue
		}

		if tool, ok := gctx.Deps.FunctionTools.Get(call.ToolName); ok {
			if stub {
				*output = append(*output, messages.NewToolReturnPart(call.ToolName, toolNotExecuted, call.ToolCallID))
				continue
			}
			e := events.NewFunctionToolCallEvent(eventMetadata(gctx), call)
			if err := emit(e); err != nil {
				return err
			}
			pending = append(pending, pendingCall{tool: tool, call: call, callID: e.CallID})
			continue
		}

		if _, ok := gctx.Deps.ResultSchema.Tool(call.ToolName); ok {
			// a failed result call already has its retry prompt queued
			if resultToolName != "" {
				*output = append(*output, messages.NewToolReturnPart(call.ToolName, resultToolNotUsed, call.ToolCallID))
			}
			continue
		}

		part, err := unknownTool(gctx, call)
		if err != nil {
			return err
		}
		*output = append(*output, part)
	}

	if len(pending) == 0 {
		return nil
	}

	parts, err := runTools(ctx, gctx, pending, emit)
	if err != nil {
		return err
	}
	*output = append(*output, parts...)
	return nil
}

func runTools[R any](
	ctx context.Context,
	gctx *graph.RunContext[*State, *Deps[R]],
	pending []pendingCall,
	emit func(events.Event) error,
) ([]messages.RequestPart, error) {
	names := make([]string, len(pending))
	for i, p := range pending {
		names[i] = p.call.ToolName
	}
	ctx, span := gctx.Deps.tracer().Start(ctx, "running tools",
		trace.WithAttributes(attribute.StringSlice("tools", names)))
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// every task sees the run as it was when the batch was dispatched
	rc := buildRunContext(gctx).Snapshot()

	g, groupCtx := errgroup.WithContext(ctx)
	if gctx.Deps.MaxParallelTools > 0 {
		g.SetLimit(gctx.Deps.MaxParallelTools)
	}

	done := make(chan toolOutcome, len(pending))
	var waitErr error
	go func() {
		for i, p := range pending {
			i, p := i, p
			g.Go(func() error {
				log.Debug().Str("tool", p.call.ToolName).Str("tool_call_id", p.call.ToolCallID).Msg("running tool")
				part, err := p.tool.Run(groupCtx, p.call, rc)
				if err != nil {
					return err
				}
				done <- toolOutcome{index: i, part: part}
				return nil
			})
		}
		waitErr = g.Wait()
		close(done)
	}()

	byIndex := make(map[int]messages.RequestPart, len(pending))
	var emitErr error
	for o := range done {
		switch o.part.(type) {
		case messages.ToolReturnPart, messages.RetryPromptPart:
		default:
			if emitErr == nil {
				emitErr = runerrors.NewUnexpectedModelBehavior("unexpected tool result part %T", o.part)
			}
			cancel()
			continue
		}
		byIndex[o.index] = o.part
		if emitErr != nil {
			continue
		}
		res, err := events.ToolResultFromPart(o.part)
		if err == nil {
			err = emit(events.NewFunctionToolResultEvent(eventMetadata(gctx), res, pending[o.index].callID))
		}
		if err != nil {
			emitErr = err
			cancel()
		}
	}

	if waitErr != nil {
		span.RecordError(waitErr)
		span.SetStatus(codes.Error, waitErr.Error())
		return nil, waitErr
	}
	if emitErr != nil {
		return nil, emitErr
	}

	indexes := make([]int, 0, len(byIndex))
	for i := range byIndex {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	out := make([]messages.RequestPart, 0, len(indexes))
	for _, i := range indexes {
		out = append(out, byIndex[i])
	}
	return out, nil
}

func unknownTool[R any](gctx *graph.RunContext[*State, *Deps[R]], call messages.ToolCallPart) (messages.RequestPart, error) {
	if err := gctx.State.IncrementRetries(gctx.Deps.MaxResultRetries); err != nil {
		return nil, err
	}

	names := gctx.Deps.FunctionTools.Names()
	names = append(names, gctx.Deps.ResultSchema.ToolNames()...)

	msg := "No tools available."
	if len(names) > 0 {
		msg = "Available tools: " + strings.Join(names, ", ")
	}
	log.Warn().Str("tool", call.ToolName).Msg("model called an unknown tool")
	return messages.NewToolRetryPromptPart(fmt.Sprintf("Unknown tool name: '%s'. %s", call.ToolName, msg), call.ToolName, call.ToolCallID), nil
}
