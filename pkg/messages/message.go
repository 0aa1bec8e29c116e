package messages

import (
	"strings"
	"time"
)

const (
	KindRequest  = "request"
	KindResponse = "response"
)

// Message is either a *ModelRequest or a *ModelResponse. Insertion order in a history is
// the transcript sent to the model.
type Message interface {
	MessageKind() string
	isMessage()
}

// ModelRequest is a request sent to the model, made of request parts.
type ModelRequest struct {
	Parts []RequestPart
}

func NewModelRequest(parts ...RequestPart) *ModelRequest {
	return &ModelRequest{Parts: parts}
}

func (*ModelRequest) MessageKind() string { return KindRequest }
func (*ModelRequest) isMessage() {}

// ModelResponse is a response from the model.
type ModelResponse struct {
	Parts     []ResponsePart
	ModelName string
	Timestamp time.Time
}

func NewModelResponse(modelName string, parts ...ResponsePart) *ModelResponse {
	return &ModelResponse{Parts: parts, ModelName: modelName, Timestamp: now()}
}

func (*ModelResponse) MessageKind() string { return KindResponse }
func (*ModelResponse) isMessage() {}

// ToolCalls returns the tool-call parts in response order.
func (r *ModelResponse) ToolCalls() []ToolCallPart {
	var out []ToolCallPart
	for _, p := range r.Parts {
		if tc, ok := p.(ToolCallPart); ok {
			out = append(out, tc)
		}
	}
	return out
}

// Text joins all text parts with blank lines, the same join the turn loop uses for plain
// text results.
func (r *ModelResponse) Text() string {
	var texts []string
	for _, p := range r.Parts {
		if t, ok := p.(TextPart); ok {
			texts = append(texts, t.Content)
		}
	}
	return strings.Join(texts, "\n\n")
}

// HasContent reports whether any part carries content.
func (r *ModelResponse) HasContent() bool {
	for _, p := range r.Parts {
		if p.HasContent() {
			return true
		}
	}
	return false
}

// Clone returns a copy of the response with its own parts slice.
func (r *ModelResponse) Clone() *ModelResponse {
	if r == nil {
		return nil
	}
	out := *r
	out.Parts = append([]ResponsePart(nil), r.Parts...)
	return &out
}
