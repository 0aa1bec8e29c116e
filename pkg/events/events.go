package events

import (
	"encoding/json"
	"fmt"

	"github.com/go-go-golems/turnloop/pkg/messages"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type EventType string

const (
	// Dispatch events, emitted while tools of a response are executed
	EventTypeFunctionToolCall   EventType = "function-tool-call"
	EventTypeFunctionToolResult EventType = "function-tool-result"

	// Stream events, emitted while a model response is streamed
	EventTypePartStart EventType = "part-start"
	EventTypePartDelta EventType = "part-delta"

	EventTypeFinalResult EventType = "final-result"
	EventTypeError       EventType = "error"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

// EventMetadata is attached to every event.
type EventMetadata struct {
	ID      uuid.UUID `json:"message_id" yaml:"message_id"`
	RunStep int       `json:"run_step,omitempty" yaml:"run_step,omitempty"`
	Model   string    `json:"model,omitempty" yaml:"model,omitempty"`
	// Extra carries caller-specific values
	Extra map[string]interface{} `json:"extra,omitempty" yaml:"extra,omitempty"`
}

func NewEventMetadata(runStep int) EventMetadata {
	return EventMetadata{ID: uuid.New(), RunStep: runStep}
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("message_id", em.ID.String())
	if em.RunStep > 0 {
		e.Int("run_step", em.RunStep)
	}
	if em.Model != "" {
		e.Str("model", em.Model)
	}
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// set when the event was decoded by NewEventFromJSON
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

var _ Event = &EventImpl{}

// ToolCall is the JSON form of a tool call inside events.
type ToolCall struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	Arguments string `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

func ToolCallFromPart(p messages.ToolCallPart) ToolCall {
	return ToolCall{ID: p.ToolCallID, Name: p.ToolName, Arguments: p.ArgsAsJSON()}
}

const (
	ResultKindReturn = "tool-return"
	ResultKindRetry  = "retry-prompt"
)

// ToolResult is the JSON form of a tool outcome inside events.
type ToolResult struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Kind    string `json:"kind" yaml:"kind"`
	Content string `json:"content" yaml:"content"`
}

// ToolResultFromPart converts a tool return or retry prompt. Other parts are rejected.
func ToolResultFromPart(p messages.RequestPart) (ToolResult, error) {
	switch p := p.(type) {
	case messages.ToolReturnPart:
		return ToolResult{ID: p.ToolCallID, Name: p.ToolName, Kind: ResultKindReturn, Content: p.ModelResponseStr()}, nil
	case messages.RetryPromptPart:
		return ToolResult{ID: p.ToolCallID, Name: p.ToolName, Kind: ResultKindRetry, Content: p.ModelResponse()}, nil
	default:
		return ToolResult{}, fmt.Errorf("unexpected tool result part %T", p)
	}
}

// EventFunctionToolCall is emitted when a function tool is about to be executed. CallID
// correlates it with the matching EventFunctionToolResult.
type EventFunctionToolCall struct {
	EventImpl
	ToolCall ToolCall `json:"tool_call"`
	CallID   string   `json:"call_id"`
}

func NewFunctionToolCallEvent(metadata EventMetadata, part messages.ToolCallPart) *EventFunctionToolCall {
	return &EventFunctionToolCall{
		EventImpl: EventImpl{
			Type_:     EventTypeFunctionToolCall,
			Metadata_: metadata,
		},
		ToolCall: ToolCallFromPart(part),
		CallID:   uuid.NewString(),
	}
}

var _ Event = &EventFunctionToolCall{}

// EventFunctionToolResult is emitted when a function tool finished, in completion order.
type EventFunctionToolResult struct {
	EventImpl
	ToolResult ToolResult `json:"tool_result"`
	CallID     string     `json:"call_id"`
}

func NewFunctionToolResultEvent(metadata EventMetadata, result ToolResult, callID string) *EventFunctionToolResult {
	return &EventFunctionToolResult{
		EventImpl: EventImpl{
			Type_:     EventTypeFunctionToolResult,
			Metadata_: metadata,
		},
		ToolResult: result,
		CallID:     callID,
	}
}

var _ Event = &EventFunctionToolResult{}

// EventPartStart is emitted when a new response part starts streaming.
type EventPartStart struct {
	EventImpl
	Index      int    `json:"index"`
	PartKind   string `json:"part_kind"`
	Content    string `json:"content,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	Args       string `json:"args,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// EventPartDelta carries an incremental update of a streamed part.
type EventPartDelta struct {
	EventImpl
	Index         int    `json:"index"`
	ContentDelta  string `json:"content_delta,omitempty"`
	ToolNameDelta string `json:"tool_name_delta,omitempty"`
	ArgsDelta     string `json:"args_delta,omitempty"`
}

var _ Event = &EventPartStart{}
var _ Event = &EventPartDelta{}

// NewStreamEvent converts a model stream event into an observable event.
func NewStreamEvent(metadata EventMetadata, ev messages.StreamEvent) (Event, error) {
	switch ev := ev.(type) {
	case messages.PartStartEvent:
		out := &EventPartStart{
			EventImpl: EventImpl{Type_: EventTypePartStart, Metadata_: metadata},
			Index:     ev.Index,
			PartKind:  ev.Part.PartKind(),
		}
		switch p := ev.Part.(type) {
		case messages.TextPart:
			out.Content = p.Content
		case messages.ToolCallPart:
			out.ToolName = p.ToolName
			out.Args = string(p.Args)
			out.ToolCallID = p.ToolCallID
		default:
			return nil, fmt.Errorf("unexpected response part %T", p)
		}
		return out, nil
	case messages.PartDeltaEvent:
		out := &EventPartDelta{
			EventImpl: EventImpl{Type_: EventTypePartDelta, Metadata_: metadata},
			Index:     ev.Index,
		}
		switch d := ev.Delta.(type) {
		case messages.TextPartDelta:
			out.ContentDelta = d.ContentDelta
		case messages.ToolCallPartDelta:
			out.ToolNameDelta = d.ToolNameDelta
			out.ArgsDelta = d.ArgsDelta
		default:
			return nil, fmt.Errorf("unexpected part delta %T", d)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected stream event %T", ev)
	}
}

// EventFinalResult is emitted once the run has decided on its final result.
type EventFinalResult struct {
	EventImpl
	ToolName   string `json:"tool_name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

func NewFinalResultEvent(metadata EventMetadata, toolName, toolCallID string) *EventFinalResult {
	return &EventFinalResult{
		EventImpl:  EventImpl{Type_: EventTypeFinalResult, Metadata_: metadata},
		ToolName:   toolName,
		ToolCallID: toolCallID,
	}
}

var _ Event = &EventFinalResult{}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError, Metadata_: metadata},
		ErrorString: err.Error(),
	}
}

var _ Event = &EventError{}

func decodeAs[T any](b []byte, set func(*T) *EventImpl) (Event, error) {
	var ret T
	if err := json.Unmarshal(b, &ret); err != nil {
		return nil, err
	}
	set(&ret).payload = b
	return any(&ret).(Event), nil
}

// NewEventFromJSON decodes an event serialized by a sink.
func NewEventFromJSON(b []byte) (Event, error) {
	var e EventImpl
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}

	switch e.Type_ {
	case EventTypeFunctionToolCall:
		return decodeAs(b, func(v *EventFunctionToolCall) *EventImpl { return &v.EventImpl })
	case EventTypeFunctionToolResult:
		return decodeAs(b, func(v *EventFunctionToolResult) *EventImpl { return &v.EventImpl })
	case EventTypePartStart:
		return decodeAs(b, func(v *EventPartStart) *EventImpl { return &v.EventImpl })
	case EventTypePartDelta:
		return decodeAs(b, func(v *EventPartDelta) *EventImpl { return &v.EventImpl })
	case EventTypeFinalResult:
		return decodeAs(b, func(v *EventFinalResult) *EventImpl { return &v.EventImpl })
	case EventTypeError:
		return decodeAs(b, func(v *EventError) *EventImpl { return &v.EventImpl })
	default:
		return nil, fmt.Errorf("unknown event type: %s", e.Type_)
	}
}
