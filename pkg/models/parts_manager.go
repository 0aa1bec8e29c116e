package models

import (
	"github.com/go-go-golems/turnloop/pkg/messages"
)

// PartsManager assembles response parts out of streamed text and tool-call deltas. Parts are
// addressed by an optional vendor part id; deltas without an id extend the latest part of
// the matching kind.
type PartsManager struct {
	// entries hold either a messages.ResponsePart or a messages.ToolCallPartDelta that has
	// not received a tool name yet.
	entries   []any
	vendorIDs map[string]int
}

func NewPartsManager() *PartsManager {
	return &PartsManager{vendorIDs: map[string]int{}}
}

// Parts returns the complete parts, skipping tool-call deltas that never got a name.
func (m *PartsManager) Parts() []messages.ResponsePart {
	out := make([]messages.ResponsePart, 0, len(m.entries))
	for _, e := range m.entries {
		if p, ok := e.(messages.ResponsePart); ok {
			out = append(out, p)
		}
	}
	return out
}

func (m *PartsManager) lookup(vendorPartID string) (int, bool) {
	if vendorPartID == "" {
		return 0, false
	}
	idx, ok := m.vendorIDs[vendorPartID]
	return idx, ok
}

func (m *PartsManager) appendEntry(vendorPartID string, e any) int {
	m.entries = append(m.entries, e)
	idx := len(m.entries) - 1
	if vendorPartID != "" {
		m.vendorIDs[vendorPartID] = idx
	}
	return idx
}

// HandleTextDelta appends content to a text part and returns the event describing the change.
func (m *PartsManager) HandleTextDelta(vendorPartID string, content string) messages.StreamEvent {
	idx, found := m.lookup(vendorPartID)
	if !found && vendorPartID == "" && len(m.entries) > 0 {
		if _, ok := m.entries[len(m.entries)-1].(messages.TextPart); ok {
			idx, found = len(m.entries)-1, true
		}
	}

	if found {
		if existing, ok := m.entries[idx].(messages.TextPart); ok {
			delta := messages.TextPartDelta{ContentDelta: content}
			m.entries[idx] = delta.Apply(existing)
			return messages.PartDeltaEvent{Index: idx, Delta: delta}
		}
	}

	part := messages.NewTextPart(content)
	idx = m.appendEntry(vendorPartID, part)
	return messages.PartStartEvent{Index: idx, Part: part}
}

// HandleToolCallDelta extends a tool call. It returns nil when the accumulated delta does
// not have a tool name yet and therefore cannot be reported as a part.
func (m *PartsManager) HandleToolCallDelta(vendorPartID, toolName, args, toolCallID string) messages.StreamEvent {
	idx, found := m.lookup(vendorPartID)
	if !found && vendorPartID == "" && len(m.entries) > 0 {
		switch m.entries[len(m.entries)-1].(type) {
		case messages.ToolCallPart, messages.ToolCallPartDelta:
			idx, found = len(m.entries)-1, true
		}
	}

	delta := messages.ToolCallPartDelta{ToolNameDelta: toolName, ArgsDelta: args, ToolCallID: toolCallID}
	if !found {
		if part, ok := delta.AsPart(); ok {
			idx = m.appendEntry(vendorPartID, part)
			return messages.PartStartEvent{Index: idx, Part: part}
		}
		m.appendEntry(vendorPartID, delta)
		return nil
	}

	switch existing := m.entries[idx].(type) {
	case messages.ToolCallPart:
		m.entries[idx] = delta.Apply(existing)
		return messages.PartDeltaEvent{Index: idx, Delta: delta}
	case messages.ToolCallPartDelta:
		merged := messages.ToolCallPartDelta{
			ToolNameDelta: existing.ToolNameDelta + toolName,
			ArgsDelta:     existing.ArgsDelta + args,
			ToolCallID:    existing.ToolCallID,
		}
		if toolCallID != "" {
			merged.ToolCallID = toolCallID
		}
		if part, ok := merged.AsPart(); ok {
			m.entries[idx] = part
			return messages.PartStartEvent{Index: idx, Part: part}
		}
		m.entries[idx] = merged
		return nil
	default:
		// a tool delta for a text part starts a new part
		part, ok := delta.AsPart()
		if !ok {
			m.appendEntry(vendorPartID, delta)
			return nil
		}
		idx = m.appendEntry(vendorPartID, part)
		return messages.PartStartEvent{Index: idx, Part: part}
	}
}

// HandleToolCallPart adds a complete tool call, replacing the part for vendorPartID when
// one exists.
func (m *PartsManager) HandleToolCallPart(vendorPartID, toolName string, args any, toolCallID string) messages.StreamEvent {
	part := messages.NewToolCallPart(toolName, args, toolCallID)
	if idx, found := m.lookup(vendorPartID); found {
		m.entries[idx] = part
		return messages.PartStartEvent{Index: idx, Part: part}
	}
	idx := m.appendEntry(vendorPartID, part)
	return messages.PartStartEvent{Index: idx, Part: part}
}
