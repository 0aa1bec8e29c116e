package models

import (
	"context"
	"io"
	"testing"

	"github.com/go-go-golems/turnloop/pkg/helpers"
	"github.com/go-go-golems/turnloop/pkg/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeSettings(t *testing.T) {
	base := &Settings{MaxTokens: helpers.ToPtr(100), Extra: map[string]string{"a": "1"}}
	over := &Settings{Temperature: helpers.ToPtr(0.2), Extra: map[string]string{"b": "2"}}

	merged := MergeSettings(base, over)
	assert.Equal(t, 100, *merged.MaxTokens)
	assert.Equal(t, 0.2, *merged.Temperature)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, merged.Extra)
	assert.Len(t, base.Extra, 1, "base must not be modified")

	assert.Nil(t, MergeSettings(nil, nil))
	assert.Equal(t, 0.2, *MergeSettings(nil, over).Temperature)
}

func TestPartsManagerText(t *testing.T) {
	m := NewPartsManager()
	ev := m.HandleTextDelta("", "Hel")
	start, ok := ev.(messages.PartStartEvent)
	require.True(t, ok)
	assert.Equal(t, 0, start.Index)

	ev = m.HandleTextDelta("", "lo")
	delta, ok := ev.(messages.PartDeltaEvent)
	require.True(t, ok)
	assert.Equal(t, 0, delta.Index)

	parts := m.Parts()
	require.Len(t, parts, 1)
	assert.Equal(t, "Hello", parts[0].(messages.TextPart).Content)
}

func TestPartsManagerToolCalls(t *testing.T) {
	m := NewPartsManager()
	assert.Nil(t, m.HandleToolCallDelta("t0", "", `{"a"`, "call_1"))
	ev := m.HandleToolCallDelta("t0", "final_result", `:1}`, "")
	_, ok := ev.(messages.PartStartEvent)
	require.True(t, ok)

	m.HandleTextDelta("text", "done")
	ev = m.HandleToolCallPart("t0", "final_result", `{"a":2}`, "call_1")
	start := ev.(messages.PartStartEvent)
	assert.Equal(t, 0, start.Index)

	parts := m.Parts()
	require.Len(t, parts, 2)
	tc := parts[0].(messages.ToolCallPart)
	assert.Equal(t, "final_result", tc.ToolName)
	assert.Equal(t, `{"a":2}`, tc.ArgsAsJSON())
	assert.Equal(t, "call_1", tc.ToolCallID)
}

func TestFunctionModelRequest(t *testing.T) {
	var seen AgentInfo
	m := NewFunctionModel(func(ctx context.Context, msgs []messages.Message, info AgentInfo) (*messages.ModelResponse, error) {
		seen = info
		return messages.NewModelResponse("", messages.NewTextPart("hello there")), nil
	})

	msgs := []messages.Message{messages.NewModelRequest(messages.NewUserPromptPart("say hello"))}
	resp, u, err := m.Request(context.Background(), msgs, nil, &RequestParameters{AllowTextResult: true})
	require.NoError(t, err)
	assert.Equal(t, "function", resp.ModelName)
	assert.True(t, seen.AllowTextResult)
	assert.Equal(t, 0, u.Requests)
	assert.Greater(t, u.RequestTokens, 0)
	assert.Greater(t, u.ResponseTokens, 0)
	assert.Equal(t, u.RequestTokens+u.ResponseTokens, u.TotalTokens)
}

func TestFunctionModelStream(t *testing.T) {
	m := NewFunctionModel(nil, WithStreamFunc(func(ctx context.Context, msgs []messages.Message, info AgentInfo) (<-chan StreamChunk, error) {
		ch := make(chan StreamChunk, 4)
		ch <- TextChunk("a")
		ch <- TextChunk("b")
		ch <- StreamChunk{ToolCalls: map[int]DeltaToolCall{0: {Name: "x", JSONArgs: "{}"}}}
		close(ch)
		return ch, nil
	}))

	sr, err := m.RequestStream(context.Background(), nil, nil, nil)
	require.NoError(t, err)

	var events []messages.StreamEvent
	for {
		ev, err := sr.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
	assert.Len(t, events, 3)

	resp := sr.Get()
	require.Len(t, resp.Parts, 2)
	assert.Equal(t, "ab", resp.Parts[0].(messages.TextPart).Content)
	assert.Equal(t, "x", resp.Parts[1].(messages.ToolCallPart).ToolName)
	assert.Greater(t, sr.Usage().ResponseTokens, 0)
	assert.Equal(t, "function:stream", sr.ModelName())
}

func TestFunctionModelWithoutFunctions(t *testing.T) {
	m := NewFunctionModel(nil)
	_, _, err := m.Request(context.Background(), nil, nil, nil)
	assert.Error(t, err)
	_, err = m.RequestStream(context.Background(), nil, nil, nil)
	assert.Error(t, err)
}

func TestCountTokens(t *testing.T) {
	assert.Equal(t, 0, CountTokens(""))
	assert.Greater(t, CountTokens("hello world"), 0)
}
