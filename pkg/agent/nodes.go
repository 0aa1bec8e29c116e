package agent

import (
	"context"
	"io"

	"github.com/go-go-golems/turnloop/pkg/graph"
	"github.com/go-go-golems/turnloop/pkg/messages"
	"github.com/go-go-golems/turnloop/pkg/models"
	"github.com/go-go-golems/turnloop/pkg/result"
	"github.com/go-go-golems/turnloop/pkg/runerrors"
	"github.com/go-go-golems/turnloop/pkg/tools"
	"github.com/go-go-golems/turnloop/pkg/usage"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// UserPromptNode builds the first request of a run.
type UserPromptNode[R any] struct {
	UserPrompt string

	SystemPrompts     []string
	SystemPromptFuncs []SystemPromptFunc
	// DynamicSystemPromptFuncs are keyed by reference.
	DynamicSystemPromptFuncs map[string]SystemPromptFunc
}

func (*UserPromptNode[R]) ID() string { return "UserPromptNode" }

func (n *UserPromptNode[R]) Run(ctx context.Context, gctx *graph.RunContext[*State, *Deps[R]]) (graph.Node[*State, *Deps[R], result.FinalResult[R]], error) {
	req, err := n.firstMessage(ctx, gctx)
	if err != nil {
		return nil, err
	}
	return NewModelRequestNode[R](req), nil
}

func (n *UserPromptNode[R]) firstMessage(ctx context.Context, gctx *graph.RunContext[*State, *Deps[R]]) (*messages.ModelRequest, error) {
	rc := buildRunContext(gctx)
	history, next, err := n.prepareMessages(ctx, gctx, rc)
	if err != nil {
		return nil, err
	}
	gctx.State.setHistory(history)

	gctx.Deps.FunctionTools.ResetRetries()
	return next, nil
}

func (n *UserPromptNode[R]) prepareMessages(ctx context.Context, gctx *graph.RunContext[*State, *Deps[R]], rc *tools.RunContext) ([]messages.Message, *messages.ModelRequest, error) {
	if rm, err := CapturedRunMessages(ctx); err == nil && rm.claim() {
		gctx.State.capture = rm
	}

	prior := gctx.State.MessageHistory
	msgs := make([]messages.Message, 0, len(prior)+1)
	msgs = append(msgs, prior...)

	if len(prior) > 0 {
		rc.Messages = msgs
		if err := n.reevaluateDynamicPrompts(ctx, msgs, rc); err != nil {
			return nil, nil, err
		}
		return msgs, messages.NewModelRequest(messages.NewUserPromptPart(n.UserPrompt)), nil
	}

	parts, err := n.systemParts(ctx, rc)
	if err != nil {
		return nil, nil, err
	}
	parts = append(parts, messages.NewUserPromptPart(n.UserPrompt))
	return msgs, messages.NewModelRequest(parts...), nil
}

// reevaluateDynamicPrompts replaces, in place, every system prompt part whose reference
// matches a dynamic prompt function. Requests are copied before they are changed.
func (n *UserPromptNode[R]) reevaluateDynamicPrompts(ctx context.Context, msgs []messages.Message, rc *tools.RunContext) error {
	if len(n.DynamicSystemPromptFuncs) == 0 {
		return nil
	}
	for i, msg := range msgs {
		req, ok := msg.(*messages.ModelRequest)
		if !ok {
			continue
		}
		var updated *messages.ModelRequest
		for j, part := range req.Parts {
			sp, ok := part.(messages.SystemPromptPart)
			if !ok || sp.DynamicRef == "" {
				continue
			}
			fn, ok := n.DynamicSystemPromptFuncs[sp.DynamicRef]
			if !ok {
				continue
			}
			content, err := fn.run(ctx, rc)
			if err != nil {
				return err
			}
			if updated == nil {
				updated = &messages.ModelRequest{Parts: append([]messages.RequestPart(nil), req.Parts...)}
			}
			updated.Parts[j] = messages.NewDynamicSystemPromptPart(content, sp.DynamicRef)
		}
		if updated != nil {
			msgs[i] = updated
		}
	}
	return nil
}

func (n *UserPromptNode[R]) systemParts(ctx context.Context, rc *tools.RunContext) ([]messages.RequestPart, error) {
	parts := make([]messages.RequestPart, 0, len(n.SystemPrompts)+len(n.SystemPromptFuncs)+1)
	for _, p := range n.SystemPrompts {
		parts = append(parts, messages.NewSystemPromptPart(p))
	}
	for _, fn := range n.SystemPromptFuncs {
		content, err := fn.run(ctx, rc)
		if err != nil {
			return nil, err
		}
		if fn.Dynamic {
			parts = append(parts, messages.NewDynamicSystemPromptPart(content, fn.Ref))
		} else {
			parts = append(parts, messages.NewSystemPromptPart(content))
		}
	}
	return parts, nil
}

type requestState int

const (
	requestNotStarted requestState = iota
	requestStreaming
	requestCompleted
)

// ModelRequestNode sends its request to the model. A node completes once; running it again
// returns the same successor.
type ModelRequestNode[R any] struct {
	Request *messages.ModelRequest

	state  requestState
	result *HandleResponseNode[R]
}

func NewModelRequestNode[R any](req *messages.ModelRequest) *ModelRequestNode[R] {
	return &ModelRequestNode[R]{Request: req}
}

func (*ModelRequestNode[R]) ID() string { return "ModelRequestNode" }

func (n *ModelRequestNode[R]) Run(ctx context.Context, gctx *graph.RunContext[*State, *Deps[R]]) (graph.Node[*State, *Deps[R], result.FinalResult[R]], error) {
	switch n.state {
	case requestCompleted:
		return n.result, nil
	case requestStreaming:
		return nil, runerrors.NewAgentRunError("You must finish streaming before calling run()")
	case requestNotStarted:
		return n.makeRequest(ctx, gctx)
	default:
		return nil, runerrors.NewAgentRunError("invalid model request state")
	}
}

func (n *ModelRequestNode[R]) makeRequest(ctx context.Context, gctx *graph.RunContext[*State, *Deps[R]]) (*HandleResponseNode[R], error) {
	settings, params, err := n.prepareRequest(ctx, gctx)
	if err != nil {
		return nil, err
	}

	ctx, span := gctx.Deps.tracer().Start(ctx, "model request",
		trace.WithAttributes(attribute.Int("run_step", gctx.State.RunStep)))
	defer span.End()

	resp, reqUsage, err := gctx.Deps.Model.Request(ctx, gctx.State.MessageHistory, settings, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	gctx.State.Usage.Incr(usage.Usage{}, 1)
	setResponseAttributes(span, resp, reqUsage)

	return n.finishHandling(gctx, resp, reqUsage)
}

// Stream opens a streamed request. The caller reads the stream and must Close it before
// the node can be run.
func (n *ModelRequestNode[R]) Stream(ctx context.Context, gctx *graph.RunContext[*State, *Deps[R]]) (*ModelStream[R], error) {
	if n.state != requestNotStarted {
		return nil, runerrors.NewAgentRunError("stream() can only be called once")
	}

	settings, params, err := n.prepareRequest(ctx, gctx)
	if err != nil {
		return nil, err
	}

	spanCtx, span := gctx.Deps.tracer().Start(ctx, "model request",
		trace.WithAttributes(attribute.Int("run_step", gctx.State.RunStep)))
	resp, err := gctx.Deps.Model.RequestStream(spanCtx, gctx.State.MessageHistory, settings, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}
	n.state = requestStreaming
	gctx.State.Usage.Incr(usage.Usage{}, 1)

	return &ModelStream[R]{node: n, gctx: gctx, response: resp, span: span}, nil
}

func (n *ModelRequestNode[R]) prepareRequest(ctx context.Context, gctx *graph.RunContext[*State, *Deps[R]]) (*models.Settings, *models.RequestParameters, error) {
	gctx.State.appendMessage(n.Request)

	if err := gctx.Deps.UsageLimits.CheckBeforeRequest(gctx.State.Usage); err != nil {
		return nil, nil, err
	}

	gctx.State.RunStep++
	log.Debug().Int("run_step", gctx.State.RunStep).Msg("preparing model request")

	settings := models.MergeSettings(gctx.Deps.ModelSettings, nil)
	params, err := prepareRequestParameters(ctx, gctx)
	if err != nil {
		return nil, nil, err
	}
	return settings, params, nil
}

// prepareRequestParameters asks every tool for its definition concurrently. Definitions keep
// registry order; declined tools are left out.
func prepareRequestParameters[R any](ctx context.Context, gctx *graph.RunContext[*State, *Deps[R]]) (*models.RequestParameters, error) {
	rc := buildRunContext(gctx)
	toolList := gctx.Deps.FunctionTools.List()
	defs := make([]*models.ToolDefinition, len(toolList))

	g, gctx2 := errgroup.WithContext(ctx)
	for i, t := range toolList {
		i, t := i, t
		g.Go(func() error {
			def, err := t.PrepareDefinition(gctx2, rc)
			if err != nil {
				return err
			}
			defs[i] = def
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	params := &models.RequestParameters{
		AllowTextResult: gctx.Deps.ResultSchema.AllowTextResult(),
		ResultTools:     gctx.Deps.ResultSchema.ToolDefs(),
	}
	for _, def := range defs {
		if def != nil {
			params.FunctionTools = append(params.FunctionTools, *def)
		}
	}
	return params, nil
}

func (n *ModelRequestNode[R]) finishHandling(gctx *graph.RunContext[*State, *Deps[R]], resp *messages.ModelResponse, reqUsage usage.Usage) (*HandleResponseNode[R], error) {
	gctx.State.Usage.Incr(reqUsage, 0)
	if err := gctx.Deps.UsageLimits.CheckTokens(gctx.State.Usage); err != nil {
		return nil, err
	}

	gctx.State.appendMessage(resp)

	n.result = NewHandleResponseNode[R](resp)
	n.state = requestCompleted
	return n.result, nil
}

func setResponseAttributes(span trace.Span, resp *messages.ModelResponse, u usage.Usage) {
	span.SetAttributes(
		attribute.String("model_name", resp.ModelName),
		attribute.Int("response_parts", len(resp.Parts)),
		attribute.Int("request_tokens", u.RequestTokens),
		attribute.Int("response_tokens", u.ResponseTokens),
	)
}

// ModelStream is an open streamed model request.
type ModelStream[R any] struct {
	node     *ModelRequestNode[R]
	gctx     *graph.RunContext[*State, *Deps[R]]
	response models.StreamedResponse
	span     trace.Span
	closed   bool
}

// Next returns the next stream event, io.EOF once the response is complete.
func (s *ModelStream[R]) Next(ctx context.Context) (messages.StreamEvent, error) {
	return s.response.Next(ctx)
}

func (s *ModelStream[R]) Response() models.StreamedResponse {
	return s.response
}

// Close drains whatever the caller did not read so usage is complete, then records the
// response and completes the node.
func (s *ModelStream[R]) Close(ctx context.Context) (*HandleResponseNode[R], error) {
	if s.closed {
		return s.node.result, nil
	}
	defer s.span.End()

	for {
		_, err := s.response.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			s.span.RecordError(err)
			s.span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}
	s.closed = true

	resp := s.response.Get()
	reqUsage := s.response.Usage()
	setResponseAttributes(s.span, resp, reqUsage)
	return s.node.finishHandling(s.gctx, resp, reqUsage)
}
