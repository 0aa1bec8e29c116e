package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-go-golems/turnloop/pkg/events"
	"github.com/go-go-golems/turnloop/pkg/graph"
	"github.com/go-go-golems/turnloop/pkg/messages"
	"github.com/go-go-golems/turnloop/pkg/models"
	"github.com/go-go-golems/turnloop/pkg/result"
	"github.com/go-go-golems/turnloop/pkg/runerrors"
	"github.com/go-go-golems/turnloop/pkg/tools"
	"github.com/go-go-golems/turnloop/pkg/usage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type city struct {
	City string `json:"city"`
}

// scriptedModel replays responses in order and records what it was sent.
type scriptedModel struct {
	mu        sync.Mutex
	responses []*messages.ModelResponse
	requests  [][]messages.Message
	infos     []models.AgentInfo
}

func newScriptedModel(responses ...*messages.ModelResponse) (*scriptedModel, *models.FunctionModel) {
	s := &scriptedModel{responses: responses}
	return s, models.NewFunctionModel(s.respond, models.WithFunctionModelName("scripted"))
}

func (s *scriptedModel) respond(ctx context.Context, msgs []messages.Message, info models.AgentInfo) (*messages.ModelResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, append([]messages.Message(nil), msgs...))
	s.infos = append(s.infos, info)
	if len(s.responses) == 0 {
		return nil, errors.New("script exhausted")
	}
	resp := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return resp.Clone(), nil
}

func text(parts ...string) *messages.ModelResponse {
	ps := make([]messages.ResponsePart, 0, len(parts))
	for _, p := range parts {
		ps = append(ps, messages.NewTextPart(p))
	}
	return messages.NewModelResponse("", ps...)
}

func calls(cs ...messages.ToolCallPart) *messages.ModelResponse {
	ps := make([]messages.ResponsePart, 0, len(cs))
	for _, c := range cs {
		ps = append(ps, c)
	}
	return messages.NewModelResponse("", ps...)
}

func toolCall(name, args, id string) messages.ToolCallPart {
	return messages.NewToolCallPart(name, args, id)
}

type rollArgs struct {
	Sides int `json:"sides"`
}

func newRollDie(t *testing.T, counter *int32) *tools.Tool {
	tool, err := tools.NewToolFromFunc("roll_die", "Roll a die", func(ctx context.Context, args rollArgs) (string, error) {
		if counter != nil {
			atomic.AddInt32(counter, 1)
		}
		if args.Sides < 2 {
			return "", tools.NewModelRetry("a die needs at least 2 sides")
		}
		return "4", nil
	})
	require.NoError(t, err)
	return tool
}

func newGetPlayerName(t *testing.T) *tools.Tool {
	tool, err := tools.NewToolFromFunc("get_player_name", "Name of the player", func(ctx context.Context) (string, error) {
		name, ok := tools.DepsFrom[string](ctx)
		if !ok {
			return "", errors.New("no player")
		}
		return name, nil
	})
	require.NoError(t, err)
	return tool
}

func requestParts(t *testing.T, m messages.Message) []messages.RequestPart {
	req, ok := m.(*messages.ModelRequest)
	require.True(t, ok, "expected a request, got %T", m)
	return req.Parts
}

func TestRunTextResultJoinsTextParts(t *testing.T) {
	script, model := newScriptedModel(text("Hello", "", "world"))
	a, err := New[string](WithModel(model), WithSystemPrompt("Be brief."))
	require.NoError(t, err)

	res, err := a.Run(context.Background(), "greet")
	require.NoError(t, err)
	assert.Equal(t, "Hello\n\nworld", res.Data)
	assert.Empty(t, res.ToolName)
	assert.Equal(t, 1, res.Usage().Requests)

	all := res.AllMessages()
	require.Len(t, all, 2)
	parts := requestParts(t, all[0])
	require.Len(t, parts, 2)
	assert.Equal(t, "Be brief.", parts[0].(messages.SystemPromptPart).Content)
	assert.Equal(t, "greet", parts[1].(messages.UserPromptPart).Content)
	assert.Equal(t, all, res.NewMessages())

	require.Len(t, script.infos, 1)
	assert.True(t, script.infos[0].AllowTextResult)
	assert.Empty(t, script.infos[0].ResultTools)

	b, err := res.AllMessagesJSON()
	require.NoError(t, err)
	decoded, err := messages.UnmarshalMessages(b)
	require.NoError(t, err)
	assert.Len(t, decoded, 2)
}

func TestRunToolCallsThenText(t *testing.T) {
	_, model := newScriptedModel(
		calls(toolCall("roll_die", `{"sides": 6}`, "c1"), toolCall("get_player_name", `{}`, "c2")),
		text("Anne rolled a 4"),
	)
	a, err := New[string](WithModel(model), WithTools(newRollDie(t, nil), newGetPlayerName(t)))
	require.NoError(t, err)

	res, err := a.Run(context.Background(), "play", WithDeps("Anne"))
	require.NoError(t, err)
	assert.Equal(t, "Anne rolled a 4", res.Data)
	assert.Equal(t, 2, res.Usage().Requests)

	all := res.AllMessages()
	require.Len(t, all, 4)
	returns := requestParts(t, all[2])
	require.Len(t, returns, 2)
	assert.Equal(t, "4", returns[0].(messages.ToolReturnPart).Content)
	assert.Equal(t, "c1", returns[0].(messages.ToolReturnPart).ToolCallID)
	assert.Equal(t, "Anne", returns[1].(messages.ToolReturnPart).Content)
}

func TestRunStructuredResultFlushesToolReturns(t *testing.T) {
	script, model := newScriptedModel(calls(toolCall("final_result", `{"city": "London"}`, "c1")))
	a, err := New[city](WithModel(model))
	require.NoError(t, err)

	res, err := a.Run(context.Background(), "where?")
	require.NoError(t, err)
	assert.Equal(t, city{City: "London"}, res.Data)
	assert.Equal(t, "final_result", res.ToolName)

	require.Len(t, script.infos, 1)
	assert.False(t, script.infos[0].AllowTextResult)
	require.Len(t, script.infos[0].ResultTools, 1)

	all := res.AllMessages()
	require.Len(t, all, 3)
	trailing := requestParts(t, all[2])
	require.Len(t, trailing, 1)
	ret := trailing[0].(messages.ToolReturnPart)
	assert.Equal(t, "Final result processed.", ret.Content)
	assert.Equal(t, "c1", ret.ToolCallID)
}

func TestResultValidationRetry(t *testing.T) {
	_, model := newScriptedModel(
		calls(toolCall("final_result", `{"city": 1}`, "c1")),
		calls(toolCall("final_result", `{"city": "Paris"}`, "c2")),
	)
	a, err := New[city](WithModel(model))
	require.NoError(t, err)

	run, err := a.Iter(context.Background(), "where?")
	require.NoError(t, err)
	for {
		_, err := run.Next(context.Background())
		require.NoError(t, err)
		if _, ok := run.Result(); ok {
			break
		}
	}
	res, _ := run.Result()
	assert.Equal(t, "Paris", res.Data.City)
	assert.Equal(t, 1, run.State().Retries)

	retry := requestParts(t, res.AllMessages()[2])
	require.Len(t, retry, 1)
	part := retry[0].(messages.RetryPromptPart)
	assert.Equal(t, "final_result", part.ToolName)
	assert.Equal(t, "c1", part.ToolCallID)
}

func TestRetriesAreBounded(t *testing.T) {
	script, model := newScriptedModel(calls(toolCall("final_result", `{"city": 1}`, "c1")))
	a, err := New[city](WithModel(model), WithMaxResultRetries(2))
	require.NoError(t, err)

	_, err = a.Run(context.Background(), "where?")
	var umb *runerrors.UnexpectedModelBehavior
	require.True(t, errors.As(err, &umb))
	assert.Equal(t, "Exceeded maximum retries (2) for result validation", umb.Message)
	assert.Len(t, script.requests, 3)
}

func TestResultValidatorRetry(t *testing.T) {
	_, model := newScriptedModel(text("draft"), text("final"))
	validator := result.NewSimpleValidator(func(data string) (string, error) {
		if data != "final" {
			return "", tools.NewModelRetry("not final yet")
		}
		return data + "!", nil
	})
	a, err := New[string](WithModel(model), WithResultValidator(validator))
	require.NoError(t, err)

	res, err := a.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "final!", res.Data)

	retry := requestParts(t, res.AllMessages()[2])
	part := retry[0].(messages.RetryPromptPart)
	assert.Equal(t, "not final yet", part.Content)
	assert.Empty(t, part.ToolName)
}

func TestPlainTextNotPermitted(t *testing.T) {
	_, model := newScriptedModel(text("London"), calls(toolCall("final_result", `{"city": "London"}`, "c1")))
	a, err := New[city](WithModel(model))
	require.NoError(t, err)

	res, err := a.Run(context.Background(), "where?")
	require.NoError(t, err)
	assert.Equal(t, "London", res.Data.City)

	retry := requestParts(t, res.AllMessages()[2])
	assert.Equal(t, "Plain text responses are not permitted, please call one of the functions instead.",
		retry[0].(messages.RetryPromptPart).Content)
}

func TestUnknownToolName(t *testing.T) {
	bar, err := tools.NewToolFromFunc("bar", "", func(ctx context.Context) (string, error) { return "bar", nil })
	require.NoError(t, err)

	_, model := newScriptedModel(calls(toolCall("foo", `{}`, "c1")), text("done"))
	a, err := New[string](WithModel(model), WithTools(bar))
	require.NoError(t, err)

	res, err := a.Run(context.Background(), "go")
	require.NoError(t, err)
	retry := requestParts(t, res.AllMessages()[2])
	require.Len(t, retry, 1)
	assert.Equal(t, "Unknown tool name: 'foo'. Available tools: bar", retry[0].(messages.RetryPromptPart).Content)

	_, model = newScriptedModel(calls(toolCall("foo", `{}`, "c1")), text("done"))
	a, err = New[string](WithModel(model))
	require.NoError(t, err)
	res, err = a.Run(context.Background(), "go")
	require.NoError(t, err)
	retry = requestParts(t, res.AllMessages()[2])
	assert.Equal(t, "Unknown tool name: 'foo'. No tools available.", retry[0].(messages.RetryPromptPart).Content)
}

func TestEmptyResponseIsFatal(t *testing.T) {
	_, model := newScriptedModel(text(""))
	a, err := New[string](WithModel(model))
	require.NoError(t, err)

	_, err = a.Run(context.Background(), "go")
	var umb *runerrors.UnexpectedModelBehavior
	require.True(t, errors.As(err, &umb))
	assert.Equal(t, "Received empty model response", umb.Message)
}

func TestEndStrategy(t *testing.T) {
	response := calls(
		toolCall("final_result", `{"city": "Rome"}`, "c1"),
		toolCall("roll_die", `{"sides": 6}`, "c2"),
		toolCall("final_result", `{"city": "Oslo"}`, "c3"),
	)

	var rolls int32
	_, model := newScriptedModel(response)
	a, err := New[city](WithModel(model), WithTools(newRollDie(t, &rolls)))
	require.NoError(t, err)

	res, err := a.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "Rome", res.Data.City)
	assert.Equal(t, int32(0), atomic.LoadInt32(&rolls))

	trailing := requestParts(t, res.AllMessages()[2])
	require.Len(t, trailing, 3)
	assert.Equal(t, "Final result processed.", trailing[0].(messages.ToolReturnPart).Content)
	assert.Equal(t, "Tool not executed - a final result was already processed.", trailing[1].(messages.ToolReturnPart).Content)
	assert.Equal(t, "Result tool not used - a final result was already processed.", trailing[2].(messages.ToolReturnPart).Content)

	_, model = newScriptedModel(response)
	a, err = New[city](WithModel(model), WithTools(newRollDie(t, &rolls)), WithEndStrategy(EndStrategyExhaustive))
	require.NoError(t, err)

	res, err = a.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&rolls))

	trailing = requestParts(t, res.AllMessages()[2])
	require.Len(t, trailing, 3)
	assert.Equal(t, "Final result processed.", trailing[0].(messages.ToolReturnPart).Content)
	assert.Equal(t, "Result tool not used - a final result was already processed.", trailing[1].(messages.ToolReturnPart).Content)
	assert.Equal(t, "4", trailing[2].(messages.ToolReturnPart).Content)
}

func TestToolRetryFromTool(t *testing.T) {
	_, model := newScriptedModel(
		calls(toolCall("roll_die", `{"sides": 1}`, "c1")),
		calls(toolCall("roll_die", `{"sides": 6}`, "c2")),
		text("ok"),
	)
	a, err := New[string](WithModel(model), WithTools(newRollDie(t, nil)))
	require.NoError(t, err)

	res, err := a.Run(context.Background(), "go")
	require.NoError(t, err)
	retry := requestParts(t, res.AllMessages()[2])[0].(messages.RetryPromptPart)
	assert.Equal(t, "a die needs at least 2 sides", retry.Content)
	assert.Equal(t, "c1", retry.ToolCallID)

	_, model = newScriptedModel(calls(toolCall("roll_die", `{"sides": 1}`, "c1")))
	a, err = New[string](WithModel(model), WithTools(newRollDie(t, nil)))
	require.NoError(t, err)
	_, err = a.Run(context.Background(), "go")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Tool exceeded max retries count of 1")
}

func TestToolResultsKeepCallOrder(t *testing.T) {
	delays := map[string]time.Duration{"a": 60 * time.Millisecond, "b": 30 * time.Millisecond, "c": 0}
	var tl []*tools.Tool
	for _, name := range []string{"a", "b", "c"} {
		name := name
		tool, err := tools.NewToolFromFunc(name, "", func(ctx context.Context) (string, error) {
			time.Sleep(delays[name])
			return "result " + name, nil
		})
		require.NoError(t, err)
		tl = append(tl, tool)
	}

	_, model := newScriptedModel(
		calls(toolCall("a", `{}`, "ca"), toolCall("b", `{}`, "cb"), toolCall("c", `{}`, "cc")),
		text("done"),
	)
	a, err := New[string](WithModel(model), WithTools(tl...))
	require.NoError(t, err)

	sink := events.NewCollectingSink()
	ctx := events.WithEventSinks(context.Background(), sink)
	res, err := a.Run(ctx, "go")
	require.NoError(t, err)

	returns := requestParts(t, res.AllMessages()[2])
	require.Len(t, returns, 3)
	for i, name := range []string{"a", "b", "c"} {
		assert.Equal(t, "result "+name, returns[i].(messages.ToolReturnPart).Content)
	}

	started := sink.OfType(events.EventTypeFunctionToolCall)
	finished := sink.OfType(events.EventTypeFunctionToolResult)
	require.Len(t, started, 3)
	require.Len(t, finished, 3)

	// results are published as they complete
	assert.Equal(t, "c", finished[0].(*events.EventFunctionToolResult).ToolResult.Name)
	ids := map[string]bool{}
	for _, e := range started {
		ids[e.(*events.EventFunctionToolCall).CallID] = true
	}
	for _, e := range finished {
		assert.True(t, ids[e.(*events.EventFunctionToolResult).CallID])
	}
	assert.Len(t, sink.OfType(events.EventTypeFinalResult), 1)
}

func TestMaxParallelTools(t *testing.T) {
	var running, peak int32
	var tl []*tools.Tool
	for _, name := range []string{"a", "b", "c"} {
		tool, err := tools.NewToolFromFunc(name, "", func(ctx context.Context) (string, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return "ok", nil
		})
		require.NoError(t, err)
		tl = append(tl, tool)
	}

	_, model := newScriptedModel(calls(toolCall("a", `{}`, "1"), toolCall("b", `{}`, "2"), toolCall("c", `{}`, "3")), text("done"))
	a, err := New[string](WithModel(model), WithTools(tl...), WithMaxParallelTools(1))
	require.NoError(t, err)

	_, err = a.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestFatalToolErrorWaitsForOtherTools(t *testing.T) {
	var finished int32
	slow, err := tools.NewToolFromFunc("slow", "", func(ctx context.Context) (string, error) {
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
		atomic.AddInt32(&finished, 1)
		return "slow", nil
	})
	require.NoError(t, err)
	broken, err := tools.NewToolFromFunc("broken", "", func(ctx context.Context) (string, error) {
		return "", errors.New("disk on fire")
	})
	require.NoError(t, err)

	_, model := newScriptedModel(calls(toolCall("slow", `{}`, "1"), toolCall("broken", `{}`, "2")))
	a, err := New[string](WithModel(model), WithTools(slow, broken))
	require.NoError(t, err)

	_, err = a.Run(context.Background(), "go")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
	assert.Equal(t, int32(1), atomic.LoadInt32(&finished))
}

func TestCancelWaitsForRunningTools(t *testing.T) {
	var exited int32
	blocking := func(name string) *tools.Tool {
		tool, err := tools.NewToolFromFunc(name, "", func(ctx context.Context) (string, error) {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&exited, 1)
			return "", ctx.Err()
		})
		require.NoError(t, err)
		return tool
	}

	_, model := newScriptedModel(calls(toolCall("a", `{}`, "1"), toolCall("b", `{}`, "2")), text("unreachable"))
	a, err := New[string](WithModel(model), WithTools(blocking("a"), blocking("b")))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err = a.Run(ctx, "go")
	require.Error(t, err)
	assert.Contains(t, err.Error(), context.Canceled.Error())
	assert.Equal(t, int32(2), atomic.LoadInt32(&exited))
}

func TestToolsSeeDispatchSnapshot(t *testing.T) {
	var seen []int
	var mu sync.Mutex
	probe, err := tools.NewToolFromFunc("probe", "", func(ctx context.Context) (string, error) {
		rc, ok := tools.RunContextFrom(ctx)
		if !ok {
			return "", errors.New("no run context")
		}
		mu.Lock()
		seen = append(seen, len(rc.Messages))
		mu.Unlock()
		return "ok", nil
	})
	require.NoError(t, err)

	_, model := newScriptedModel(calls(toolCall("probe", `{}`, "1"), toolCall("probe", `{}`, "2")), text("done"))
	a, err := New[string](WithModel(model), WithTools(probe))
	require.NoError(t, err)

	_, err = a.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, seen)
}

func TestUsageLimitBeforeRequest(t *testing.T) {
	_, model := newScriptedModel(calls(toolCall("roll_die", `{"sides": 6}`, "c1")), text("done"))
	limit := 1
	a, err := New[string](WithModel(model), WithTools(newRollDie(t, nil)), WithUsageLimits(&usage.Limits{RequestLimit: &limit}))
	require.NoError(t, err)

	_, err = a.Run(context.Background(), "go")
	var ule *runerrors.UsageLimitExceeded
	require.True(t, errors.As(err, &ule))
	assert.Equal(t, "The next request would exceed the request_limit of 1", ule.Message)
}

func TestUsageTokenLimit(t *testing.T) {
	_, model := newScriptedModel(text("a fairly long answer that uses more than two tokens"))
	limit := 2
	a, err := New[string](WithModel(model))
	require.NoError(t, err)

	_, err = a.Run(context.Background(), "go", WithRunUsageLimits(&usage.Limits{ResponseTokensLimit: &limit}))
	var ule *runerrors.UsageLimitExceeded
	require.True(t, errors.As(err, &ule))
}

func TestInitialUsageAccumulates(t *testing.T) {
	_, model := newScriptedModel(text("hi"))
	a, err := New[string](WithModel(model))
	require.NoError(t, err)

	res, err := a.Run(context.Background(), "go", WithInitialUsage(usage.Usage{Requests: 3}))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Usage().Requests)
}

func TestDynamicSystemPromptReevaluated(t *testing.T) {
	var calls int32
	dynamic := func(ctx context.Context, rc *tools.RunContext) (string, error) {
		n := atomic.AddInt32(&calls, 1)
		return "call " + string(rune('0'+n)), nil
	}
	var staticCalls int32
	static := func(ctx context.Context, rc *tools.RunContext) (string, error) {
		atomic.AddInt32(&staticCalls, 1)
		return "static", nil
	}

	_, model := newScriptedModel(text("one"), text("two"))
	a, err := New[string](WithModel(model), WithSystemPromptFunc(static), WithDynamicSystemPromptFunc(dynamic))
	require.NoError(t, err)

	first, err := a.Run(context.Background(), "first")
	require.NoError(t, err)
	firstParts := requestParts(t, first.AllMessages()[0])
	assert.Equal(t, "call 1", firstParts[1].(messages.SystemPromptPart).Content)
	assert.NotEmpty(t, firstParts[1].(messages.SystemPromptPart).DynamicRef)

	second, err := a.Run(context.Background(), "second", WithMessageHistory(first.AllMessages()))
	require.NoError(t, err)

	all := second.AllMessages()
	require.Len(t, all, 4)
	parts := requestParts(t, all[0])
	assert.Equal(t, "static", parts[0].(messages.SystemPromptPart).Content)
	assert.Equal(t, "call 2", parts[1].(messages.SystemPromptPart).Content)
	assert.Equal(t, int32(1), atomic.LoadInt32(&staticCalls))

	// the caller's history is left alone
	assert.Equal(t, "call 1", firstParts[1].(messages.SystemPromptPart).Content)
	assert.Equal(t, "call 1", requestParts(t, first.AllMessages()[0])[1].(messages.SystemPromptPart).Content)

	newParts := requestParts(t, second.NewMessages()[0])
	require.Len(t, newParts, 1)
	assert.Equal(t, "second", newParts[0].(messages.UserPromptPart).Content)
}

func TestSystemPromptTemplate(t *testing.T) {
	_, model := newScriptedModel(text("ok"))
	a, err := New[string](
		WithModel(model),
		WithSystemPromptTemplate("persona", `You help {{ .Deps | upper }} at step {{ .RunStep }}.`, false),
	)
	require.NoError(t, err)

	res, err := a.Run(context.Background(), "go", WithDeps("anne"))
	require.NoError(t, err)
	parts := requestParts(t, res.AllMessages()[0])
	assert.Equal(t, "You help ANNE at step 0.", parts[0].(messages.SystemPromptPart).Content)

	_, err = New[string](WithSystemPromptTemplate("bad", "{{ .Deps", false))
	assert.Error(t, err)
}

func TestCaptureRunMessages(t *testing.T) {
	_, err := CapturedRunMessages(context.Background())
	assert.ErrorIs(t, err, runerrors.ErrNoCapture)

	_, model := newScriptedModel(text(""))
	a, err := New[string](WithModel(model))
	require.NoError(t, err)

	ctx, captured := CaptureRunMessages(context.Background())
	_, err = a.Run(ctx, "go")
	require.Error(t, err)

	msgs := captured.Messages()
	require.Len(t, msgs, 2)
	_, ok := msgs[1].(*messages.ModelResponse)
	assert.True(t, ok)

	nested, same := CaptureRunMessages(ctx)
	assert.Same(t, captured, same)

	// only the first run of a scope is captured
	_, model = newScriptedModel(text("later"))
	b, err := New[string](WithModel(model))
	require.NoError(t, err)
	_, err = b.Run(nested, "again")
	require.NoError(t, err)
	assert.Len(t, captured.Messages(), 2)
}

func TestModelRequestNodeStateMachine(t *testing.T) {
	streamFn := func(ctx context.Context, msgs []messages.Message, info models.AgentInfo) (<-chan models.StreamChunk, error) {
		ch := make(chan models.StreamChunk, 2)
		ch <- models.TextChunk("hello ")
		ch <- models.TextChunk("there")
		close(ch)
		return ch, nil
	}
	model := models.NewFunctionModel(nil, models.WithStreamFunc(streamFn))
	a, err := New[string](WithModel(model))
	require.NoError(t, err)

	ctx := context.Background()
	run, err := a.Iter(ctx, "go")
	require.NoError(t, err)

	next, err := run.Next(ctx)
	require.NoError(t, err)
	node, ok := next.(*ModelRequestNode[string])
	require.True(t, ok)

	ms, err := node.Stream(ctx, run.GraphContext())
	require.NoError(t, err)

	_, err = node.Stream(ctx, run.GraphContext())
	var are *runerrors.AgentRunError
	require.True(t, errors.As(err, &are))
	assert.Equal(t, "stream() can only be called once", are.Message)

	_, err = node.Run(ctx, run.GraphContext())
	require.True(t, errors.As(err, &are))
	assert.Equal(t, "You must finish streaming before calling run()", are.Message)

	handle, err := ms.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello there", handle.ModelResponse.Text())

	again, err := node.Run(ctx, run.GraphContext())
	require.NoError(t, err)
	assert.Same(t, handle, again)

	_, err = run.NextNode(ctx, node)
	require.NoError(t, err)
	for {
		if _, ok := run.Result(); ok {
			break
		}
		_, err := run.Next(ctx)
		require.NoError(t, err)
	}
	res, _ := run.Result()
	assert.Equal(t, "hello there", res.Data)
	assert.Equal(t, 1, res.Usage().Requests)
}

func TestHandleResponseEvents(t *testing.T) {
	_, model := newScriptedModel(calls(toolCall("roll_die", `{"sides": 6}`, "c1")), text("done"))
	a, err := New[string](WithModel(model), WithTools(newRollDie(t, nil)))
	require.NoError(t, err)

	ctx := context.Background()
	run, err := a.Iter(ctx, "go")
	require.NoError(t, err)
	_, err = run.Next(ctx)
	require.NoError(t, err)
	next, err := run.Next(ctx)
	require.NoError(t, err)
	handle := next.(*HandleResponseNode[string])

	stream, err := handle.Events(ctx, run.GraphContext())
	require.NoError(t, err)
	var got []events.EventType
	for e := range stream.Events() {
		got = append(got, e.Type())
	}
	require.NoError(t, stream.Wait())
	assert.Equal(t, []events.EventType{events.EventTypeFunctionToolCall, events.EventTypeFunctionToolResult}, got)

	after, err := run.Next(ctx)
	require.NoError(t, err)
	_, ok := after.(*ModelRequestNode[string])
	assert.True(t, ok)

	ids := []string{}
	for _, step := range run.History() {
		ids = append(ids, step.NodeID)
	}
	assert.Equal(t, []string{"UserPromptNode", "ModelRequestNode", "HandleResponseNode"}, ids)
}

func TestRunSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, model := newScriptedModel(calls(toolCall("roll_die", `{"sides": 6}`, "c1")), text("done"))
	a, err := New[string](WithModel(model), WithTools(newRollDie(t, nil)), WithTracer(tp.Tracer("test")), WithName("dice"))
	require.NoError(t, err)

	_, err = a.Run(context.Background(), "go")
	require.NoError(t, err)

	names := map[string]int{}
	for _, s := range recorder.Ended() {
		names[s.Name()]++
	}
	assert.Equal(t, 1, names["agent run"])
	assert.Equal(t, 2, names["model request"])
	assert.Equal(t, 2, names["handle model response"])
	assert.Equal(t, 1, names["running tools"])
	assert.Equal(t, 6, names["graph node"])
}

func TestNewRejectsBadConfiguration(t *testing.T) {
	s, err := result.NewSchema[city](result.WithAllowTextResult(true))
	require.NoError(t, err)
	_, err = New[city](WithResultSchema(s))
	assert.True(t, runerrors.IsFatalMisuse(err))

	_, err = New[string](WithResultSchema(s))
	assert.True(t, runerrors.IsFatalMisuse(err))

	_, err = New[string](WithEndStrategy("sometimes"))
	assert.Error(t, err)

	a, err := New[string]()
	require.NoError(t, err)
	_, err = a.Run(context.Background(), "go")
	assert.True(t, runerrors.IsFatalMisuse(err))
}

func TestIncrementRetries(t *testing.T) {
	s := &State{}
	require.NoError(t, s.IncrementRetries(1))
	err := s.IncrementRetries(1)
	require.Error(t, err)
	assert.Equal(t, 1, s.Retries)
}

func TestParseEndStrategy(t *testing.T) {
	s, err := ParseEndStrategy("")
	require.NoError(t, err)
	assert.Equal(t, EndStrategyEarly, s)
	s, err = ParseEndStrategy("exhaustive")
	require.NoError(t, err)
	assert.Equal(t, EndStrategyExhaustive, s)
}

var _ graph.Node[*State, *Deps[string], result.FinalResult[string]] = (*FinalResultNode[string])(nil)
