package agent

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/turnloop/pkg/events"
	"github.com/go-go-golems/turnloop/pkg/graph"
	"github.com/go-go-golems/turnloop/pkg/helpers"
	"github.com/go-go-golems/turnloop/pkg/messages"
	"github.com/go-go-golems/turnloop/pkg/result"
	"github.com/go-go-golems/turnloop/pkg/runerrors"
	"github.com/go-go-golems/turnloop/pkg/tools"
	"github.com/go-go-golems/turnloop/pkg/usage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// RunStream runs the agent until a model response starts with something that can end the
// run: a text part when text results are allowed, or a call to a result tool. The rest of
// that response is handed to the caller as a StreamedRunResult. Responses that cannot end
// the run are handled as in Run.
func (a *Agent[R]) RunStream(ctx context.Context, prompt string, opts ...RunOption) (*StreamedRunResult[R], error) {
	run, err := a.Iter(ctx, prompt, opts...)
	if err != nil {
		return nil, err
	}

	for {
		switch n := run.NextPending().(type) {
		case *ModelRequestNode[R]:
			sr, err := streamModelRequest(ctx, run, n)
			if err != nil {
				run.finish(err)
				return nil, err
			}
			if sr != nil {
				return sr, nil
			}
			if _, err := run.NextNode(ctx, n); err != nil {
				return nil, err
			}
		case *graph.End[*State, *Deps[R], result.FinalResult[R]]:
			err := runerrors.NewUserError("Should have produced a StreamedRunResult before getting here")
			run.finish(err)
			return nil, err
		default:
			if _, err := run.Next(ctx); err != nil {
				return nil, err
			}
		}
	}
}

// streamModelRequest streams the request of n. It returns a StreamedRunResult as soon as a
// part that can end the run starts, or nil after completing n when no such part came.
func streamModelRequest[R any](ctx context.Context, run *AgentRun[R], n *ModelRequestNode[R]) (*StreamedRunResult[R], error) {
	gctx := run.GraphContext()
	ms, err := n.Stream(run.spanContext(ctx), gctx)
	if err != nil {
		return nil, err
	}

	schema := gctx.Deps.ResultSchema
	for {
		ev, err := ms.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		publishStreamEvent(ctx, gctx.State.RunStep, ev)

		start, ok := ev.(messages.PartStartEvent)
		if !ok {
			continue
		}
		switch p := start.Part.(type) {
		case messages.TextPart:
			if schema.AllowTextResult() {
				return newStreamedRunResult(run, ms, ""), nil
			}
		case messages.ToolCallPart:
			if call, _, ok := schema.FindTool([]messages.ToolCallPart{p}); ok {
				return newStreamedRunResult(run, ms, call.ToolName), nil
			}
		default:
			return nil, runerrors.NewUnexpectedModelBehavior("unexpected response part %T", start.Part)
		}
	}

	if _, err := ms.Close(ctx); err != nil {
		return nil, err
	}
	return nil, nil
}

func publishStreamEvent(ctx context.Context, runStep int, ev messages.StreamEvent) {
	if !events.HasEventSinks(ctx) {
		return
	}
	e, err := events.NewStreamEvent(events.NewEventMetadata(runStep), ev)
	if err != nil {
		log.Warn().Err(err).Msg("could not convert stream event")
		return
	}
	events.PublishEventToContext(ctx, e)
}

// StructuredChunk is a snapshot of the streamed response. IsLast is set on the snapshot
// of the complete response.
type StructuredChunk struct {
	Response *messages.ModelResponse
	IsLast   bool
}

// StreamedRunResult is the final response of a run while it is still streaming. Only one
// of Stream, StreamText, StreamStructured or GetData may consume it. Channels returned by
// the stream methods must be drained, or their context cancelled.
type StreamedRunResult[R any] struct {
	run      *AgentRun[R]
	stream   *ModelStream[R]
	toolName string

	handoffUsage usage.Usage

	mu          sync.Mutex
	streamUsage usage.Usage
	completed   bool

	completeOnce sync.Once
	completeErr  error
}

func newStreamedRunResult[R any](run *AgentRun[R], ms *ModelStream[R], toolName string) *StreamedRunResult[R] {
	log.Debug().Str("tool", toolName).Msg("streaming final result")
	return &StreamedRunResult[R]{
		run:          run,
		stream:       ms,
		toolName:     toolName,
		handoffUsage: run.State().Usage.Clone(),
	}
}

// ToolName is the result tool being streamed, empty for text.
func (s *StreamedRunResult[R]) ToolName() string {
	return s.toolName
}

type streamUpdate struct {
	event    messages.StreamEvent
	response *messages.ModelResponse
}

// pump reads the rest of the response, checking token limits after every event. wait
// returns once the pump stopped, with the error that stopped it.
func (s *StreamedRunResult[R]) pump(ctx context.Context) (<-chan streamUpdate, func() error) {
	out := make(chan streamUpdate)
	done := make(chan struct{})
	var err error

	gctx := s.run.GraphContext()
	limits := gctx.Deps.UsageLimits
	response := s.stream.Response()

	go func() {
		defer close(done)
		defer close(out)
		for {
			ev, nerr := s.stream.Next(ctx)
			if nerr == io.EOF {
				return
			}
			if nerr != nil {
				err = nerr
				return
			}
			publishStreamEvent(ctx, gctx.State.RunStep, ev)

			u := response.Usage()
			s.mu.Lock()
			s.streamUsage = u
			s.mu.Unlock()
			if limits.HasTokenLimits() {
				if lerr := limits.CheckTokens(s.handoffUsage.Add(u)); lerr != nil {
					err = lerr
					return
				}
			}

			select {
			case out <- streamUpdate{event: ev, response: response.Get()}:
			case <-ctx.Done():
				err = ctx.Err()
				return
			}
		}
	}()

	return out, func() error {
		<-done
		return err
	}
}

// StreamStructured yields snapshots of the response, at most one per debounce window.
func (s *StreamedRunResult[R]) StreamStructured(ctx context.Context, debounce time.Duration) <-chan helpers.Result[StructuredChunk] {
	return produce(ctx, func(ctx context.Context, yield func(StructuredChunk) bool) error {
		current := s.stream.Response().Get()
		if current.HasContent() {
			if !yield(StructuredChunk{Response: current}) {
				return s.fail(ctx.Err())
			}
		}

		updates, wait := s.pump(ctx)
		for u := range helpers.Latest(ctx, helpers.GroupByTemporal(ctx, updates, debounce)) {
			if !yield(StructuredChunk{Response: u.response}) {
				break
			}
		}
		if err := wait(); err != nil {
			return s.fail(err)
		}

		final := s.stream.Response().Get()
		if err := s.markCompleted(ctx); err != nil {
			return err
		}
		yield(StructuredChunk{Response: final, IsLast: true})
		return nil
	})
}

// Stream yields validated result values. Snapshots that do not validate yet are skipped;
// a failure on the complete response is returned as an error and does not count as a
// retry.
func (s *StreamedRunResult[R]) Stream(ctx context.Context, debounce time.Duration) <-chan helpers.Result[R] {
	return produce(ctx, func(ctx context.Context, yield func(R) bool) error {
		for chunk := range s.StreamStructured(ctx, debounce) {
			c, err := chunk.Value()
			if err != nil {
				return err
			}
			data, err := s.ValidateStructuredResult(ctx, c.Response, !c.IsLast)
			if err != nil {
				if c.IsLast {
					return err
				}
				log.Debug().Err(err).Msg("skipping partial result that does not validate")
				continue
			}
			if !yield(data) {
				return ctx.Err()
			}
		}
		return nil
	})
}

type textDelta struct {
	index   int
	content string
}

// StreamText yields the text of the response. With delta set, each value is the text
// added since the previous one; otherwise it is the whole text so far, validated.
func (s *StreamedRunResult[R]) StreamText(ctx context.Context, delta bool, debounce time.Duration) (<-chan helpers.Result[string], error) {
	gctx := s.run.GraphContext()
	if !gctx.Deps.ResultSchema.AllowTextResult() {
		return nil, runerrors.NewUserError("stream_text() can only be used with text responses")
	}

	return produce(ctx, func(ctx context.Context, yield func(string) bool) error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		deltas := make(chan textDelta)
		initial := s.stream.Response().Get()
		updates, wait := s.pump(ctx)

		go func() {
			defer close(deltas)
			send := func(d textDelta) bool {
				select {
				case deltas <- d:
					return true
				case <-ctx.Done():
					return false
				}
			}
			for i, part := range initial.Parts {
				if t, ok := part.(messages.TextPart); ok && t.Content != "" {
					if !send(textDelta{index: i, content: t.Content}) {
						return
					}
				}
			}
			for u := range updates {
				switch ev := u.event.(type) {
				case messages.PartStartEvent:
					if t, ok := ev.Part.(messages.TextPart); ok && t.Content != "" {
						if !send(textDelta{index: ev.Index, content: t.Content}) {
							return
						}
					}
				case messages.PartDeltaEvent:
					if d, ok := ev.Delta.(messages.TextPartDelta); ok && d.ContentDelta != "" {
						if !send(textDelta{index: ev.Index, content: d.ContentDelta}) {
							return
						}
					}
				}
			}
		}()

		chunks := map[int]string{}
		for group := range helpers.GroupByTemporal(ctx, deltas, debounce) {
			var text string
			if delta {
				var b strings.Builder
				for _, d := range group {
					b.WriteString(d.content)
				}
				text = b.String()
				if text == "" {
					continue
				}
			} else {
				for _, d := range group {
					chunks[d.index] += d.content
				}
				validated, err := s.validateText(ctx, joinChunks(chunks))
				if err != nil {
					cancel()
					_ = wait()
					return s.fail(err)
				}
				text = validated
			}
			if !yield(text) {
				break
			}
		}
		if err := wait(); err != nil {
			return s.fail(err)
		}
		return s.markCompleted(ctx)
	}), nil
}

func joinChunks(chunks map[int]string) string {
	indexes := make([]int, 0, len(chunks))
	for i := range chunks {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	var b strings.Builder
	for _, i := range indexes {
		b.WriteString(chunks[i])
	}
	return b.String()
}

func (s *StreamedRunResult[R]) validateText(ctx context.Context, text string) (string, error) {
	gctx := s.run.GraphContext()
	if len(gctx.Deps.ResultValidators) == 0 {
		return text, nil
	}
	data, ok := result.TextAs[R](text)
	if !ok {
		return "", runerrors.NewUserError("text results require a string result type")
	}
	data, err := result.ValidateChain(ctx, gctx.Deps.ResultValidators, data, nil, s.runContext())
	if err != nil {
		return "", err
	}
	return fmt.Sprint(data), nil
}

// GetData reads the whole response and returns the validated result.
func (s *StreamedRunResult[R]) GetData(ctx context.Context) (R, error) {
	var zero R
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates, wait := s.pump(ctx)
	for range updates {
	}
	if err := wait(); err != nil {
		return zero, s.fail(err)
	}
	final := s.stream.Response().Get()
	if err := s.markCompleted(ctx); err != nil {
		return zero, err
	}
	return s.ValidateStructuredResult(ctx, final, false)
}

// ValidateStructuredResult turns a response snapshot into a result value. With
// allowPartial, incomplete tool arguments are accepted.
func (s *StreamedRunResult[R]) ValidateStructuredResult(ctx context.Context, msg *messages.ModelResponse, allowPartial bool) (R, error) {
	var zero R
	gctx := s.run.GraphContext()
	schema := gctx.Deps.ResultSchema

	if schema != nil && s.toolName != "" {
		call, tool, ok := schema.FindNamedTool(msg.Parts, s.toolName)
		if !ok {
			return zero, runerrors.NewUnexpectedModelBehavior("Invalid response, unable to find tool: %q", schema.ToolNames())
		}
		data, err := tool.Validate(call, allowPartial, false)
		if err != nil {
			return zero, err
		}
		return result.ValidateChain(ctx, gctx.Deps.ResultValidators, data, &call, s.runContext())
	}

	var texts []string
	for _, p := range msg.Parts {
		if t, ok := p.(messages.TextPart); ok {
			texts = append(texts, t.Content)
		}
	}
	data, ok := result.TextAs[R](strings.Join(texts, "\n\n"))
	if !ok {
		return zero, runerrors.NewUserError("text results require a string result type")
	}
	return result.ValidateChain(ctx, gctx.Deps.ResultValidators, data, nil, s.runContext())
}

func (s *StreamedRunResult[R]) runContext() *tools.RunContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc := buildRunContext(s.run.GraphContext())
	return rc.ReplaceWith(s.run.State().Retries, s.toolName)
}

// fail ends the run with err. Once the response is recorded the run has already ended
// and fail only returns err.
func (s *StreamedRunResult[R]) fail(err error) error {
	if err != nil {
		s.run.finish(err)
	}
	return err
}

// markCompleted records the response in the run history once, answers the tool calls of
// the response and ends the run.
func (s *StreamedRunResult[R]) markCompleted(ctx context.Context) error {
	s.completeOnce.Do(func() {
		s.completeErr = s.complete(ctx)
		if s.completeErr != nil {
			s.run.finish(s.completeErr)
		}
	})
	return s.completeErr
}

func (s *StreamedRunResult[R]) complete(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gctx := s.run.GraphContext()
	if _, err := s.stream.Close(ctx); err != nil {
		return err
	}

	resp, ok := gctx.State.MessageHistory[len(gctx.State.MessageHistory)-1].(*messages.ModelResponse)
	if !ok {
		return errors.New("streamed response missing from history")
	}

	var parts []messages.RequestPart
	emit := func(e events.Event) error {
		events.PublishEventToContext(ctx, e)
		return nil
	}
	if err := processFunctionTools(ctx, gctx, resp.ToolCalls(), s.toolName, &parts, emit); err != nil {
		return err
	}
	if len(parts) > 0 {
		gctx.State.appendMessage(messages.NewModelRequest(parts...))
	}

	if span := gctx.Deps.RunSpan; span != nil {
		span.SetAttributes(
			attribute.Int("usage.requests", gctx.State.Usage.Requests),
			attribute.Int("all_messages", len(gctx.State.MessageHistory)),
		)
	}
	s.completed = true
	s.run.finish(nil)
	return nil
}

func (s *StreamedRunResult[R]) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// Usage includes the part of the response streamed so far.
func (s *StreamedRunResult[R]) Usage() usage.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return s.run.State().Usage.Clone()
	}
	return s.handoffUsage.Add(s.streamUsage)
}

func (s *StreamedRunResult[R]) Timestamp() time.Time {
	return s.stream.Response().Timestamp()
}

// AllMessages includes the streamed response only once it is complete.
func (s *StreamedRunResult[R]) AllMessages() []messages.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]messages.Message(nil), s.run.State().MessageHistory...)
}

func (s *StreamedRunResult[R]) NewMessages() []messages.Message {
	all := s.AllMessages()
	return all[s.run.GraphContext().Deps.NewMessageIndex:]
}

func (s *StreamedRunResult[R]) AllMessagesJSON() ([]byte, error) {
	return messages.MarshalMessages(s.AllMessages())
}

func (s *StreamedRunResult[R]) NewMessagesJSON() ([]byte, error) {
	return messages.MarshalMessages(s.NewMessages())
}

// produce runs fn on its own goroutine and delivers what it yields on a channel. An error
// returned by fn is delivered last.
func produce[T any](ctx context.Context, fn func(ctx context.Context, yield func(T) bool) error) <-chan helpers.Result[T] {
	out := make(chan helpers.Result[T])
	go func() {
		defer close(out)
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		send := func(r helpers.Result[T]) bool {
			select {
			case out <- r:
				return true
			case <-ctx.Done():
				return false
			}
		}
		err := fn(ctx, func(v T) bool {
			return send(helpers.NewValueResult(v))
		})
		if err != nil && ctx.Err() == nil {
			send(helpers.NewErrorResult[T](err))
		}
	}()
	return out
}
