package cmds

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/turnloop/pkg/messages"
	"github.com/go-go-golems/turnloop/pkg/models"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Script is a YAML fixture of model responses, replayed in order. The last response is
// repeated once the script runs out.
//
//	prompt: roll a die for me
//	responses:
//	  - parts:
//	      - tool_call: {name: roll_die, args: {sides: 6}, id: c1}
//	  - parts:
//	      - text: You rolled a 4.
type Script struct {
	Prompt    string           `yaml:"prompt"`
	Model     string           `yaml:"model"`
	Responses []ScriptResponse `yaml:"responses"`
}

type ScriptResponse struct {
	Parts []ScriptPart `yaml:"parts"`
	// Delay is slept between streamed chunks.
	Delay time.Duration `yaml:"delay"`
}

type ScriptPart struct {
	Text     string          `yaml:"text,omitempty"`
	ToolCall *ScriptToolCall `yaml:"tool_call,omitempty"`
}

type ScriptToolCall struct {
	Name string         `yaml:"name"`
	ID   string         `yaml:"id"`
	Args map[string]any `yaml:"args"`
}

func LoadScript(path string) (*Script, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read script %s", path)
	}
	return ParseScript(b)
}

func ParseScript(b []byte) (*Script, error) {
	s := &Script{}
	if err := yaml.Unmarshal(b, s); err != nil {
		return nil, errors.Wrap(err, "parse script")
	}
	if len(s.Responses) == 0 {
		return nil, errors.New("script has no responses")
	}
	for i, r := range s.Responses {
		if len(r.Parts) == 0 {
			return nil, errors.Errorf("response %d has no parts", i)
		}
		for j, p := range r.Parts {
			if (p.Text == "") == (p.ToolCall == nil) {
				return nil, errors.Errorf("response %d part %d needs exactly one of text or tool_call", i, j)
			}
			if p.ToolCall != nil && p.ToolCall.Name == "" {
				return nil, errors.Errorf("response %d part %d: tool_call without name", i, j)
			}
		}
	}
	return s, nil
}

func (p ScriptPart) responsePart() (messages.ResponsePart, error) {
	if p.ToolCall == nil {
		return messages.NewTextPart(p.Text), nil
	}
	args, err := p.ToolCall.argsJSON()
	if err != nil {
		return nil, err
	}
	return messages.NewToolCallPart(p.ToolCall.Name, args, p.ToolCall.ID), nil
}

func (c *ScriptToolCall) argsJSON() (string, error) {
	if c.Args == nil {
		return "{}", nil
	}
	b, err := json.Marshal(c.Args)
	if err != nil {
		return "", errors.Wrapf(err, "tool call %s arguments", c.Name)
	}
	return string(b), nil
}

// scriptedModel hands out the responses of a script, one per request.
type scriptedModel struct {
	mu     sync.Mutex
	script *Script
	next   int
}

func (m *scriptedModel) take() ScriptResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.script.Responses[m.next]
	if m.next < len(m.script.Responses)-1 {
		m.next++
	}
	return r
}

func (m *scriptedModel) respond(ctx context.Context, msgs []messages.Message, info models.AgentInfo) (*messages.ModelResponse, error) {
	r := m.take()
	parts := make([]messages.ResponsePart, 0, len(r.Parts))
	for _, p := range r.Parts {
		part, err := p.responsePart()
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
	return messages.NewModelResponse("", parts...), nil
}

// stream splits text parts into words and sends each tool call as one chunk.
func (m *scriptedModel) stream(ctx context.Context, msgs []messages.Message, info models.AgentInfo) (<-chan models.StreamChunk, error) {
	r := m.take()
	var chunks []models.StreamChunk
	toolIndex := 0
	for _, p := range r.Parts {
		if p.ToolCall == nil {
			for _, w := range strings.SplitAfter(p.Text, " ") {
				if w != "" {
					chunks = append(chunks, models.TextChunk(w))
				}
			}
			continue
		}
		args, err := p.ToolCall.argsJSON()
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, models.StreamChunk{ToolCalls: map[int]models.DeltaToolCall{
			toolIndex: {Name: p.ToolCall.Name, JSONArgs: args, ToolCallID: p.ToolCall.ID},
		}})
		toolIndex++
	}

	ch := make(chan models.StreamChunk)
	go func() {
		defer close(ch)
		for i, c := range chunks {
			if i > 0 && r.Delay > 0 {
				select {
				case <-time.After(r.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// NewScriptedModel returns a model replaying s for both plain and streamed requests.
func NewScriptedModel(s *Script) *models.FunctionModel {
	m := &scriptedModel{script: s}
	name := s.Model
	if name == "" {
		name = "scripted"
	}
	return models.NewFunctionModel(m.respond, models.WithStreamFunc(m.stream), models.WithFunctionModelName(name))
}
