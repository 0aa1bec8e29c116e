package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/turnloop/pkg/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolEventsDecode(t *testing.T) {
	meta := NewEventMetadata(2)
	call := NewFunctionToolCallEvent(meta, messages.NewToolCallPart("roll_die", `{"sides": 6}`, "call_1"))

	b, err := json.Marshal(call)
	require.NoError(t, err)

	e, err := NewEventFromJSON(b)
	require.NoError(t, err)
	decoded, ok := e.(*EventFunctionToolCall)
	require.True(t, ok)
	assert.Equal(t, "roll_die", decoded.ToolCall.Name)
	assert.Equal(t, `{"sides": 6}`, decoded.ToolCall.Arguments)
	assert.Equal(t, "call_1", decoded.ToolCall.ID)
	assert.Equal(t, call.CallID, decoded.CallID)
	assert.Equal(t, meta.ID, decoded.Metadata().ID)
	assert.Equal(t, 2, decoded.Metadata().RunStep)
	assert.Equal(t, b, decoded.Payload())
}

func TestToolResultFromPart(t *testing.T) {
	r, err := ToolResultFromPart(messages.NewToolReturnPart("roll_die", "4", "call_1"))
	require.NoError(t, err)
	assert.Equal(t, ResultKindReturn, r.Kind)
	assert.Equal(t, "4", r.Content)

	r, err = ToolResultFromPart(messages.NewToolRetryPromptPart("bad", "roll_die", "call_2"))
	require.NoError(t, err)
	assert.Equal(t, ResultKindRetry, r.Kind)
	assert.Equal(t, "call_2", r.ID)

	_, err = ToolResultFromPart(messages.NewUserPromptPart("hi"))
	assert.Error(t, err)
}

func TestNewStreamEvent(t *testing.T) {
	meta := NewEventMetadata(1)
	e, err := NewStreamEvent(meta, messages.PartStartEvent{Index: 0, Part: messages.NewTextPart("Hel")})
	require.NoError(t, err)
	start := e.(*EventPartStart)
	assert.Equal(t, "Hel", start.Content)
	assert.Equal(t, messages.PartKindText, start.PartKind)

	e, err = NewStreamEvent(meta, messages.PartDeltaEvent{Index: 1, Delta: messages.ToolCallPartDelta{ArgsDelta: `{"a"`}})
	require.NoError(t, err)
	delta := e.(*EventPartDelta)
	assert.Equal(t, 1, delta.Index)
	assert.Equal(t, `{"a"`, delta.ArgsDelta)

	b, err := json.Marshal(delta)
	require.NoError(t, err)
	decoded, err := NewEventFromJSON(b)
	require.NoError(t, err)
	assert.Equal(t, EventTypePartDelta, decoded.Type())
}

func TestNewEventFromJSONUnknownType(t *testing.T) {
	_, err := NewEventFromJSON([]byte(`{"type": "nope"}`))
	assert.Error(t, err)
	_, err = NewEventFromJSON([]byte(`{`))
	assert.Error(t, err)
}

type failingSink struct{}

func (failingSink) PublishEvent(Event) error { return errors.New("closed") }

func TestPublishEventToContext(t *testing.T) {
	sink := NewCollectingSink()
	other := NewCollectingSink()

	ctx := WithEventSinks(context.Background(), sink)
	ctx = WithEventSinks(ctx, failingSink{}, other)
	assert.Len(t, GetEventSinks(ctx), 3)

	PublishEventToContext(ctx, NewFinalResultEvent(NewEventMetadata(1), "final_result", "c1"))
	PublishEventToContext(ctx, NewErrorEvent(NewEventMetadata(1), errors.New("boom")))

	assert.Len(t, sink.Events(), 2)
	assert.Len(t, other.OfType(EventTypeError), 1)

	assert.True(t, HasEventSinks(ctx))
	detached := WithoutEventSinks(ctx)
	assert.False(t, HasEventSinks(detached))
	PublishEventToContext(detached, NewErrorEvent(NewEventMetadata(2), errors.New("unseen")))
	assert.Len(t, sink.Events(), 2)
	assert.Len(t, GetEventSinks(WithEventSinks(detached, other)), 1)

	// no sinks is a no-op
	PublishEventToContext(context.Background(), NewErrorEvent(NewEventMetadata(1), errors.New("x")))
}

func TestToolEventAggregator(t *testing.T) {
	a := NewToolEventAggregator()
	meta := NewEventMetadata(1)

	roll := NewFunctionToolCallEvent(meta, messages.NewToolCallPart("roll_die", `{}`, "c1"))
	name := NewFunctionToolCallEvent(meta, messages.NewToolCallPart("get_player_name", `{}`, "c2"))
	a.Handle(roll)
	a.Handle(name)
	res, _ := ToolResultFromPart(messages.NewToolReturnPart("get_player_name", "Anne", "c2"))
	a.Handle(NewFunctionToolResultEvent(meta, res, name.CallID))
	a.Handle(NewFinalResultEvent(meta, "", ""))

	entries := a.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "roll_die", entries[0].Name)
	assert.Empty(t, entries[0].Kind)
	assert.Equal(t, "Anne", entries[1].Result)

	lines := a.Lines()
	assert.Equal(t, "→ get_player_name  {}  ← Anne", lines[1])

	a.Reset()
	assert.Empty(t, a.Entries())
}

func TestPrintEvent(t *testing.T) {
	var buf bytes.Buffer
	meta := NewEventMetadata(1)
	headers := 0
	header := func() error { headers++; return nil }

	require.NoError(t, PrintEvent(&buf, &EventPartStart{EventImpl: EventImpl{Type_: EventTypePartStart}, Content: "Hello"}, header))
	require.NoError(t, PrintEvent(&buf, &EventPartDelta{EventImpl: EventImpl{Type_: EventTypePartDelta}, ContentDelta: " world"}, header))
	require.NoError(t, PrintEvent(&buf, NewFinalResultEvent(meta, "", ""), header))
	assert.Equal(t, "Hello world\n", buf.String())
	assert.Equal(t, 2, headers)

	buf.Reset()
	require.NoError(t, PrintEvent(&buf, NewFunctionToolCallEvent(meta, messages.NewToolCallPart("roll_die", `{}`, "c1")), nil))
	assert.Contains(t, buf.String(), "name: roll_die")
}

func TestEventRouterDeliversSinkEvents(t *testing.T) {
	router, err := NewEventRouter()
	require.NoError(t, err)

	var mu sync.Mutex
	var received []Event
	router.AddHandler("collect", "run", func(msg *message.Message) error {
		defer msg.Ack()
		e, err := NewEventFromJSON(msg.Payload)
		if err != nil {
			return err
		}
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = router.Run(ctx)
	}()
	<-router.Running()

	sink := router.Sink("run")
	require.NoError(t, sink.PublishEvent(NewFinalResultEvent(NewEventMetadata(3), "final_result", "c9")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 10*time.Millisecond)

	final, ok := received[0].(*EventFinalResult)
	require.True(t, ok)
	assert.Equal(t, "c9", final.ToolCallID)
	require.NoError(t, router.Close())
}
