package models

import (
	"context"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/go-go-golems/turnloop/pkg/messages"
	"github.com/go-go-golems/turnloop/pkg/usage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// AgentInfo is what a FunctionModel's functions know about the current request.
type AgentInfo struct {
	FunctionTools   []ToolDefinition
	AllowTextResult bool
	ResultTools     []ToolDefinition
	Settings        *Settings
}

// DeltaToolCall is one streamed fragment of a tool call.
type DeltaToolCall struct {
	Name       string
	JSONArgs   string
	ToolCallID string
}

// StreamChunk is either a text delta or a set of tool-call deltas keyed by tool-call index.
type StreamChunk struct {
	Text      string
	ToolCalls map[int]DeltaToolCall
}

// TextChunk is a convenience constructor for a text delta.
func TextChunk(s string) StreamChunk {
	return StreamChunk{Text: s}
}

type ResponseFunc func(ctx context.Context, msgs []messages.Message, info AgentInfo) (*messages.ModelResponse, error)

// StreamFunc sends chunks on the returned channel and closes it when done.
type StreamFunc func(ctx context.Context, msgs []messages.Message, info AgentInfo) (<-chan StreamChunk, error)

// FunctionModel answers requests by calling Go functions. It is the model used in tests
// and by the scripted CLI model.
type FunctionModel struct {
	name     string
	fn       ResponseFunc
	streamFn StreamFunc
}

type FunctionModelOption func(*FunctionModel)

func WithFunctionModelName(name string) FunctionModelOption {
	return func(m *FunctionModel) {
		m.name = name
	}
}

func WithStreamFunc(fn StreamFunc) FunctionModelOption {
	return func(m *FunctionModel) {
		m.streamFn = fn
	}
}

// NewFunctionModel builds a model from fn. fn may be nil when only streaming is used.
func NewFunctionModel(fn ResponseFunc, opts ...FunctionModelOption) *FunctionModel {
	m := &FunctionModel{fn: fn}
	for _, o := range opts {
		o(m)
	}
	if m.name == "" {
		m.name = "function"
		if fn == nil && m.streamFn != nil {
			m.name = "function:stream"
		}
	}
	return m
}

var _ Model = (*FunctionModel)(nil)

func (m *FunctionModel) Name() string { return m.name }

func agentInfo(settings *Settings, params *RequestParameters) AgentInfo {
	info := AgentInfo{Settings: settings}
	if params != nil {
		info.FunctionTools = params.FunctionTools
		info.AllowTextResult = params.AllowTextResult
		info.ResultTools = params.ResultTools
	}
	return info
}

func (m *FunctionModel) Request(ctx context.Context, msgs []messages.Message, settings *Settings, params *RequestParameters) (*messages.ModelResponse, usage.Usage, error) {
	if m.fn == nil {
		return nil, usage.Usage{}, errors.Errorf("model %s has no request function", m.name)
	}
	resp, err := m.fn(ctx, msgs, agentInfo(settings, params))
	if err != nil {
		return nil, usage.Usage{}, err
	}
	if resp == nil {
		return nil, usage.Usage{}, errors.Errorf("model %s returned a nil response", m.name)
	}
	resp.ModelName = m.name
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now().UTC()
	}
	u := EstimateUsage(msgs, resp)
	log.Debug().Str("model", m.name).Int("request_tokens", u.RequestTokens).Int("response_tokens", u.ResponseTokens).Msg("function model request")
	return resp, u, nil
}

func (m *FunctionModel) RequestStream(ctx context.Context, msgs []messages.Message, settings *Settings, params *RequestParameters) (StreamedResponse, error) {
	if m.streamFn == nil {
		return nil, errors.Errorf("model %s has no stream function", m.name)
	}
	chunks, err := m.streamFn(ctx, msgs, agentInfo(settings, params))
	if err != nil {
		return nil, err
	}
	requestUsage := EstimateUsage(msgs, nil)
	return &functionStreamedResponse{
		modelName:     m.name,
		timestamp:     time.Now().UTC(),
		chunks:        chunks,
		parts:         NewPartsManager(),
		requestTokens: requestUsage.RequestTokens,
	}, nil
}

type functionStreamedResponse struct {
	modelName      string
	timestamp      time.Time
	chunks         <-chan StreamChunk
	parts          *PartsManager
	pending        []messages.StreamEvent
	requestTokens  int
	responseTokens int
	done           bool
}

func (s *functionStreamedResponse) Next(ctx context.Context) (messages.StreamEvent, error) {
	for len(s.pending) == 0 {
		if s.done {
			return nil, io.EOF
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-s.chunks:
			if !ok {
				s.done = true
				continue
			}
			s.handleChunk(chunk)
		}
	}
	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, nil
}

func (s *functionStreamedResponse) handleChunk(chunk StreamChunk) {
	if chunk.Text != "" {
		s.responseTokens += CountTokens(chunk.Text)
		s.pending = append(s.pending, s.parts.HandleTextDelta("content", chunk.Text))
	}
	if len(chunk.ToolCalls) == 0 {
		return
	}
	indexes := make([]int, 0, len(chunk.ToolCalls))
	for idx := range chunk.ToolCalls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		dtc := chunk.ToolCalls[idx]
		s.responseTokens += CountTokens(dtc.Name + dtc.JSONArgs)
		ev := s.parts.HandleToolCallDelta(toolVendorID(idx), dtc.Name, dtc.JSONArgs, dtc.ToolCallID)
		if ev != nil {
			s.pending = append(s.pending, ev)
		}
	}
}

func toolVendorID(idx int) string {
	return "tool-" + strconv.Itoa(idx)
}

func (s *functionStreamedResponse) Get() *messages.ModelResponse {
	return &messages.ModelResponse{
		Parts:     s.parts.Parts(),
		ModelName: s.modelName,
		Timestamp: s.timestamp,
	}
}

func (s *functionStreamedResponse) Usage() usage.Usage {
	return usage.Usage{
		RequestTokens:  s.requestTokens,
		ResponseTokens: s.responseTokens,
		TotalTokens:    s.requestTokens + s.responseTokens,
	}
}

func (s *functionStreamedResponse) ModelName() string { return s.modelName }

func (s *functionStreamedResponse) Timestamp() time.Time { return s.timestamp }
