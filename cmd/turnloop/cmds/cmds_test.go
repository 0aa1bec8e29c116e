package cmds

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/go-go-golems/turnloop/pkg/messages"
	"github.com/go-go-golems/turnloop/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultSettings(script string) runSettings {
	return runSettings{
		Script:       script,
		Player:       "Anne",
		Debounce:     10 * time.Millisecond,
		EndStrategy:  "early",
		MaxRetries:   1,
		RequestLimit: 10,
		Transcript:   true,
		PrintEvents:  true,
	}
}

func TestParseScript(t *testing.T) {
	s, err := ParseScript([]byte(`
prompt: hi
responses:
  - parts:
      - text: hello
      - tool_call: {name: roll_die, args: {sides: 6}}
`))
	require.NoError(t, err)
	assert.Equal(t, "hi", s.Prompt)
	require.Len(t, s.Responses, 1)
	require.Len(t, s.Responses[0].Parts, 2)
	assert.Equal(t, 6, s.Responses[0].Parts[1].ToolCall.Args["sides"])

	_, err = ParseScript([]byte(`responses: []`))
	assert.Error(t, err)

	_, err = ParseScript([]byte(`
responses:
  - parts:
      - text: both
        tool_call: {name: roll_die}
`))
	assert.Error(t, err)
}

func TestScriptedModelRepeatsLastResponse(t *testing.T) {
	s, err := ParseScript([]byte(`
responses:
  - parts: [{text: one}]
  - parts: [{text: two}]
`))
	require.NoError(t, err)
	m := NewScriptedModel(s)
	assert.Equal(t, "scripted", m.Name())

	var got []string
	for i := 0; i < 3; i++ {
		resp, _, err := m.Request(context.Background(), nil, nil, nil)
		require.NoError(t, err)
		got = append(got, resp.Text())
	}
	assert.Equal(t, []string{"one", "two", "two"}, got)
}

func TestScriptedModelStreamsWords(t *testing.T) {
	s, err := ParseScript([]byte(`
responses:
  - parts:
      - text: a b c
      - tool_call: {name: roll_die, args: {sides: 6}, id: c1}
`))
	require.NoError(t, err)
	m := NewScriptedModel(s)

	ctx := context.Background()
	stream, err := m.RequestStream(ctx, []messages.Message{messages.NewModelRequest(messages.NewUserPromptPart("go"))}, nil, &models.RequestParameters{})
	require.NoError(t, err)
	for {
		if _, err := stream.Next(ctx); err != nil {
			break
		}
	}
	resp := stream.Get()
	assert.Equal(t, "a b c", resp.Text())
	calls := resp.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "c1", calls[0].ToolCallID)
	assert.JSONEq(t, `{"sides": 6}`, string(calls[0].Args))
}

func TestRunScriptText(t *testing.T) {
	for _, stream := range []bool{false, true} {
		var out bytes.Buffer
		s := defaultSettings("testdata/dice.yaml")
		s.Stream = stream
		require.NoError(t, runScript(context.Background(), s, &out))

		text := out.String()
		assert.Contains(t, text, "Good luck, you rolled the die.")
		assert.Contains(t, text, "requests: 2")
		assert.Contains(t, text, "get_player_name")
		assert.Contains(t, text, "← Anne")
		assert.Contains(t, text, "transcript:")
	}
}

func TestRunScriptStructured(t *testing.T) {
	var out bytes.Buffer
	s := defaultSettings("testdata/dice-structured.yaml")
	s.Structured = true
	s.Transcript = false
	require.NoError(t, runScript(context.Background(), s, &out))

	text := out.String()
	assert.Contains(t, text, "player: Anne")
	assert.Contains(t, text, "roll: 4")
	assert.Contains(t, text, "result_tool: final_result")
	assert.NotContains(t, text, "transcript:")
}

func TestRunScriptRequestLimit(t *testing.T) {
	var out bytes.Buffer
	s := defaultSettings("testdata/dice.yaml")
	s.RequestLimit = 1
	err := runScript(context.Background(), s, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request_limit of 1")
}

func TestJudgeCommand(t *testing.T) {
	cmd := NewJudgeCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--output", "Hello world", "--rubric", "Content contains a greeting", "--script", "testdata/judge.yaml"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "pass: true")
	assert.Contains(t, out.String(), "score: 1")
}
