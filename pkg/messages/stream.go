package messages

// StreamEvent is produced while a response is streamed: PartStartEvent or PartDeltaEvent.
type StreamEvent interface {
	EventKind() string
	isStreamEvent()
}

// PartStartEvent signals a new part at Index. A start for an index that already exists
// replaces the part.
type PartStartEvent struct {
	Index int
	Part  ResponsePart
}

func (PartStartEvent) EventKind() string { return "part_start" }
func (PartStartEvent) isStreamEvent() {}

// PartDeltaEvent carries an incremental update for the part at Index.
type PartDeltaEvent struct {
	Index int
	Delta PartDelta
}

func (PartDeltaEvent) EventKind() string { return "part_delta" }
func (PartDeltaEvent) isStreamEvent() {}

// PartDelta is TextPartDelta or ToolCallPartDelta.
type PartDelta interface {
	isPartDelta()
}

type TextPartDelta struct {
	ContentDelta string
}

func (TextPartDelta) isPartDelta() {}

// Apply appends the delta to a text part.
func (d TextPartDelta) Apply(p TextPart) TextPart {
	return TextPart{Content: p.Content + d.ContentDelta}
}

type ToolCallPartDelta struct {
	ToolNameDelta string
	ArgsDelta     string
	ToolCallID    string
}

func (ToolCallPartDelta) isPartDelta() {}

// Apply appends the name and argument deltas to a tool call part.
func (d ToolCallPartDelta) Apply(p ToolCallPart) ToolCallPart {
	out := ToolCallPart{
		ToolName:   p.ToolName + d.ToolNameDelta,
		ToolCallID: p.ToolCallID,
	}
	if d.ArgsDelta != "" || len(p.Args) > 0 {
		out.Args = append(append([]byte(nil), p.Args...), d.ArgsDelta...)
	}
	if d.ToolCallID != "" {
		out.ToolCallID = d.ToolCallID
	}
	return out
}

// AsPart converts a delta that arrived before any start event into a part. It returns
// false when the delta has no tool name yet.
func (d ToolCallPartDelta) AsPart() (ToolCallPart, bool) {
	if d.ToolNameDelta == "" {
		return ToolCallPart{}, false
	}
	return NewToolCallPart(d.ToolNameDelta, d.ArgsDelta, d.ToolCallID), true
}
