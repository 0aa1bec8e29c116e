package messages

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Part kind identifiers, also used as the `part_kind` discriminator in JSON.
const (
	PartKindSystemPrompt = "system-prompt"
	PartKindUserPrompt   = "user-prompt"
	PartKindToolReturn   = "tool-return"
	PartKindRetryPrompt  = "retry-prompt"
	PartKindText         = "text"
	PartKindToolCall     = "tool-call"
)

var now = func() time.Time { return time.Now().UTC() }

// RequestPart is one part of a request sent to the model. The set of implementations is
// closed: SystemPromptPart, UserPromptPart, ToolReturnPart and RetryPromptPart.
type RequestPart interface {
	PartKind() string
	isRequestPart()
}

// ResponsePart is one part of a model response: TextPart or ToolCallPart.
type ResponsePart interface {
	PartKind() string
	HasContent() bool
	isResponsePart()
}

// SystemPromptPart carries system instructions. DynamicRef is set when the content was
// produced by a dynamic system prompt function and must be recomputed on resume.
type SystemPromptPart struct {
	Content    string
	DynamicRef string
	Timestamp  time.Time
}

func NewSystemPromptPart(content string) SystemPromptPart {
	return SystemPromptPart{Content: content, Timestamp: now()}
}

func NewDynamicSystemPromptPart(content string, ref string) SystemPromptPart {
	return SystemPromptPart{Content: content, DynamicRef: ref, Timestamp: now()}
}

func (SystemPromptPart) PartKind() string { return PartKindSystemPrompt }
func (SystemPromptPart) isRequestPart() {}

// UserPromptPart is the user's input.
type UserPromptPart struct {
	Content   string
	Timestamp time.Time
}

func NewUserPromptPart(content string) UserPromptPart {
	return UserPromptPart{Content: content, Timestamp: now()}
}

func (UserPromptPart) PartKind() string { return PartKindUserPrompt }
func (UserPromptPart) isRequestPart() {}

// ToolReturnPart is the result of a tool call, sent back to the model.
type ToolReturnPart struct {
	ToolName   string
	Content    any
	ToolCallID string
	Timestamp  time.Time
}

func NewToolReturnPart(toolName string, content any, toolCallID string) ToolReturnPart {
	return ToolReturnPart{ToolName: toolName, Content: content, ToolCallID: toolCallID, Timestamp: now()}
}

func (ToolReturnPart) PartKind() string { return PartKindToolReturn }
func (ToolReturnPart) isRequestPart() {}

// ModelResponseStr renders the content as the string a backend would send.
func (p ToolReturnPart) ModelResponseStr() string {
	if s, ok := p.Content.(string); ok {
		return s
	}
	b, err := json.Marshal(p.Content)
	if err != nil {
		return fmt.Sprintf("%v", p.Content)
	}
	return string(b)
}

// ValidationErrorDetail describes one validation failure fed back to the model.
type ValidationErrorDetail struct {
	Type  string   `json:"type"`
	Loc   []string `json:"loc"`
	Msg   string   `json:"msg"`
	Input any      `json:"input,omitempty"`
}

// RetryPromptPart asks the model to try again. Content is either a string or a
// []ValidationErrorDetail. ToolName and ToolCallID are empty when the retry is not tied to
// a tool call (e.g. a rejected text response).
type RetryPromptPart struct {
	Content    any
	ToolName   string
	ToolCallID string
	Timestamp  time.Time
}

func NewRetryPromptPart(content any) RetryPromptPart {
	return RetryPromptPart{Content: content, Timestamp: now()}
}

func NewToolRetryPromptPart(content any, toolName string, toolCallID string) RetryPromptPart {
	return RetryPromptPart{Content: content, ToolName: toolName, ToolCallID: toolCallID, Timestamp: now()}
}

func (RetryPromptPart) PartKind() string { return PartKindRetryPrompt }
func (RetryPromptPart) isRequestPart() {}

// ModelResponse renders the text the model sees for this retry.
func (p RetryPromptPart) ModelResponse() string {
	var description string
	switch c := p.Content.(type) {
	case string:
		description = c
	case []ValidationErrorDetail:
		b, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			b = []byte(fmt.Sprintf("%v", c))
		}
		description = fmt.Sprintf("%d validation errors: %s", len(c), string(b))
	default:
		description = fmt.Sprintf("%v", c)
	}
	return description + "\n\nFix the errors and try again."
}

// TextPart is plain text returned by the model.
type TextPart struct {
	Content string
}

func NewTextPart(content string) TextPart {
	return TextPart{Content: content}
}

func (TextPart) PartKind() string { return PartKindText }
func (p TextPart) HasContent() bool { return p.Content != "" }
func (TextPart) isResponsePart() {}

// ToolCallPart is a tool invocation requested by the model. Args holds raw JSON.
type ToolCallPart struct {
	ToolName   string
	Args       json.RawMessage
	ToolCallID string
}

// NewToolCallPart builds a tool call from either a JSON string, raw JSON or any value
// that marshals to a JSON object. An empty id gets a generated one.
func NewToolCallPart(toolName string, args any, toolCallID string) ToolCallPart {
	var raw json.RawMessage
	switch a := args.(type) {
	case nil:
		raw = nil
	case string:
		raw = json.RawMessage(a)
	case []byte:
		raw = json.RawMessage(a)
	case json.RawMessage:
		raw = a
	default:
		b, err := json.Marshal(a)
		if err != nil {
			raw = json.RawMessage(fmt.Sprintf("%q", fmt.Sprintf("%v", a)))
		} else {
			raw = b
		}
	}
	if toolCallID == "" {
		toolCallID = GenerateToolCallID()
	}
	return ToolCallPart{ToolName: toolName, Args: raw, ToolCallID: toolCallID}
}

// GenerateToolCallID returns a fresh id in the `call_<hex>` form.
func GenerateToolCallID() string {
	id := uuid.New()
	return fmt.Sprintf("call_%x", id[:])
}

func (ToolCallPart) PartKind() string { return PartKindToolCall }
func (ToolCallPart) isResponsePart() {}

// HasContent reports whether the call carries any arguments.
func (p ToolCallPart) HasContent() bool {
	if len(p.Args) == 0 {
		return false
	}
	m, err := p.ArgsAsMap()
	if err != nil {
		return true
	}
	for _, v := range m {
		if v != nil {
			return true
		}
	}
	return false
}

// ArgsAsJSON returns the arguments as a JSON string, "{}" when empty.
func (p ToolCallPart) ArgsAsJSON() string {
	if len(p.Args) == 0 {
		return "{}"
	}
	return string(p.Args)
}

// ArgsAsMap decodes the arguments into a map.
func (p ToolCallPart) ArgsAsMap() (map[string]any, error) {
	out := map[string]any{}
	if len(p.Args) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(p.Args, &out); err != nil {
		return nil, err
	}
	return out, nil
}
