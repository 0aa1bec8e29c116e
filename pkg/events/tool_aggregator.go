package events

import "strings"

// ToolEventEntry aggregates the call and the outcome of one tool call, keyed by tool call ID.
type ToolEventEntry struct {
	ID      string
	Name    string
	Input   string
	Started bool
	Kind    string
	Result  string
}

// ToolEventAggregator collects dispatch events into one entry per tool call.
// Entries keep the order in which calls were first seen.
type ToolEventAggregator struct {
	index   map[string]int
	entries []ToolEventEntry
}

func NewToolEventAggregator() *ToolEventAggregator {
	return &ToolEventAggregator{
		index:   make(map[string]int),
		entries: make([]ToolEventEntry, 0, 4),
	}
}

func (a *ToolEventAggregator) Reset() {
	a.index = make(map[string]int)
	a.entries = a.entries[:0]
}

func (a *ToolEventAggregator) Entries() []ToolEventEntry {
	out := make([]ToolEventEntry, len(a.entries))
	copy(out, a.entries)
	return out
}

// Handle updates entries from tool-related events and ignores the rest.
func (a *ToolEventAggregator) Handle(e Event) {
	switch ev := e.(type) {
	case *EventFunctionToolCall:
		if ev.CallID == "" {
			return
		}
		idx := a.ensure(ev.CallID)
		a.entries[idx].Started = true
		a.entries[idx].Name = ev.ToolCall.Name
		a.entries[idx].Input = ev.ToolCall.Arguments
	case *EventFunctionToolResult:
		if ev.CallID == "" {
			return
		}
		idx := a.ensure(ev.CallID)
		if a.entries[idx].Name == "" {
			a.entries[idx].Name = ev.ToolResult.Name
		}
		a.entries[idx].Kind = ev.ToolResult.Kind
		a.entries[idx].Result = ev.ToolResult.Content
	}
}

// Lines renders one plain-text line per entry.
func (a *ToolEventAggregator) Lines() []string {
	lines := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		name := e.Name
		if name == "" {
			name = e.ID
		}
		parts := []string{"→ " + name}
		if e.Input != "" {
			parts = append(parts, e.Input)
		}
		switch e.Kind {
		case ResultKindReturn:
			parts = append(parts, "← "+e.Result)
		case ResultKindRetry:
			parts = append(parts, "↺ "+e.Result)
		}
		lines = append(lines, strings.Join(parts, "  "))
	}
	return lines
}

func (a *ToolEventAggregator) ensure(id string) int {
	if idx, ok := a.index[id]; ok {
		return idx
	}
	idx := len(a.entries)
	a.index[id] = idx
	a.entries = append(a.entries, ToolEventEntry{ID: id})
	return idx
}
