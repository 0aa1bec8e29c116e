package messages

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

type wirePart struct {
	PartKind   string          `json:"part_kind"`
	Content    json.RawMessage `json:"content,omitempty"`
	DynamicRef string          `json:"dynamic_ref,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Timestamp  *time.Time      `json:"timestamp,omitempty"`
}

type wireMessage struct {
	Kind      string     `json:"kind"`
	Parts     []wirePart `json:"parts"`
	ModelName string     `json:"model_name,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeVal(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func marshalContent(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func encodeRequestPart(p RequestPart) (wirePart, error) {
	switch p := p.(type) {
	case SystemPromptPart:
		c, err := marshalContent(p.Content)
		return wirePart{PartKind: PartKindSystemPrompt, Content: c, DynamicRef: p.DynamicRef, Timestamp: timePtr(p.Timestamp)}, err
	case UserPromptPart:
		c, err := marshalContent(p.Content)
		return wirePart{PartKind: PartKindUserPrompt, Content: c, Timestamp: timePtr(p.Timestamp)}, err
	case ToolReturnPart:
		c, err := marshalContent(p.Content)
		return wirePart{PartKind: PartKindToolReturn, Content: c, ToolName: p.ToolName, ToolCallID: p.ToolCallID, Timestamp: timePtr(p.Timestamp)}, err
	case RetryPromptPart:
		c, err := marshalContent(p.Content)
		return wirePart{PartKind: PartKindRetryPrompt, Content: c, ToolName: p.ToolName, ToolCallID: p.ToolCallID, Timestamp: timePtr(p.Timestamp)}, err
	default:
		return wirePart{}, errors.Errorf("unknown request part %T", p)
	}
}

func encodeResponsePart(p ResponsePart) (wirePart, error) {
	switch p := p.(type) {
	case TextPart:
		c, err := marshalContent(p.Content)
		return wirePart{PartKind: PartKindText, Content: c}, err
	case ToolCallPart:
		args := p.Args
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		if !json.Valid(args) {
			// partial or malformed args are kept as a JSON string
			b, err := json.Marshal(string(args))
			if err != nil {
				return wirePart{}, err
			}
			args = b
		}
		return wirePart{PartKind: PartKindToolCall, ToolName: p.ToolName, ToolCallID: p.ToolCallID, Args: args}, nil
	default:
		return wirePart{}, errors.Errorf("unknown response part %T", p)
	}
}

// MarshalMessages serializes a message history to JSON.
func MarshalMessages(msgs []Message) ([]byte, error) {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m := m.(type) {
		case *ModelRequest:
			wm := wireMessage{Kind: KindRequest, Parts: make([]wirePart, 0, len(m.Parts))}
			for _, p := range m.Parts {
				wp, err := encodeRequestPart(p)
				if err != nil {
					return nil, err
				}
				wm.Parts = append(wm.Parts, wp)
			}
			out = append(out, wm)
		case *ModelResponse:
			wm := wireMessage{Kind: KindResponse, ModelName: m.ModelName, Timestamp: timePtr(m.Timestamp), Parts: make([]wirePart, 0, len(m.Parts))}
			for _, p := range m.Parts {
				wp, err := encodeResponsePart(p)
				if err != nil {
					return nil, err
				}
				wm.Parts = append(wm.Parts, wp)
			}
			out = append(out, wm)
		default:
			return nil, errors.Errorf("unknown message %T", m)
		}
	}
	return json.Marshal(out)
}

func decodeString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	err := json.Unmarshal(raw, &s)
	return s, err
}

func decodeRetryContent(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var details []ValidationErrorDetail
	if err := json.Unmarshal(raw, &details); err != nil {
		return nil, err
	}
	return details, nil
}

func decodeAny(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	err := json.Unmarshal(raw, &v)
	return v, err
}

func decodeRequestPart(wp wirePart) (RequestPart, error) {
	switch wp.PartKind {
	case PartKindSystemPrompt:
		c, err := decodeString(wp.Content)
		return SystemPromptPart{Content: c, DynamicRef: wp.DynamicRef, Timestamp: timeVal(wp.Timestamp)}, err
	case PartKindUserPrompt:
		c, err := decodeString(wp.Content)
		return UserPromptPart{Content: c, Timestamp: timeVal(wp.Timestamp)}, err
	case PartKindToolReturn:
		c, err := decodeAny(wp.Content)
		return ToolReturnPart{ToolName: wp.ToolName, Content: c, ToolCallID: wp.ToolCallID, Timestamp: timeVal(wp.Timestamp)}, err
	case PartKindRetryPrompt:
		c, err := decodeRetryContent(wp.Content)
		return RetryPromptPart{Content: c, ToolName: wp.ToolName, ToolCallID: wp.ToolCallID, Timestamp: timeVal(wp.Timestamp)}, err
	default:
		return nil, errors.Errorf("unknown request part kind %q", wp.PartKind)
	}
}

func decodeResponsePart(wp wirePart) (ResponsePart, error) {
	switch wp.PartKind {
	case PartKindText:
		c, err := decodeString(wp.Content)
		return TextPart{Content: c}, err
	case PartKindToolCall:
		args := wp.Args
		var s string
		if err := json.Unmarshal(args, &s); err == nil {
			args = json.RawMessage(s)
		}
		return ToolCallPart{ToolName: wp.ToolName, Args: args, ToolCallID: wp.ToolCallID}, nil
	default:
		return nil, errors.Errorf("unknown response part kind %q", wp.PartKind)
	}
}

// UnmarshalMessages decodes a history produced by MarshalMessages.
func UnmarshalMessages(b []byte) ([]Message, error) {
	var wire []wireMessage
	if err := json.Unmarshal(b, &wire); err != nil {
		return nil, errors.Wrap(err, "decode messages")
	}
	out := make([]Message, 0, len(wire))
	for i, wm := range wire {
		switch wm.Kind {
		case KindRequest:
			req := &ModelRequest{}
			for _, wp := range wm.Parts {
				p, err := decodeRequestPart(wp)
				if err != nil {
					return nil, errors.Wrapf(err, "message %d", i)
				}
				req.Parts = append(req.Parts, p)
			}
			out = append(out, req)
		case KindResponse:
			resp := &ModelResponse{ModelName: wm.ModelName, Timestamp: timeVal(wm.Timestamp)}
			for _, wp := range wm.Parts {
				p, err := decodeResponsePart(wp)
				if err != nil {
					return nil, errors.Wrapf(err, "message %d", i)
				}
				resp.Parts = append(resp.Parts, p)
			}
			out = append(out, resp)
		default:
			return nil, errors.Errorf("message %d: unknown kind %q", i, wm.Kind)
		}
	}
	return out, nil
}
