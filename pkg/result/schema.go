// Package result describes how a run produces its final value: result tools with their
// schemas, the validator chain, and the final result marker.
package result

import (
	"encoding/json"
	"reflect"

	"github.com/go-go-golems/turnloop/pkg/messages"
	"github.com/go-go-golems/turnloop/pkg/models"
	"github.com/go-go-golems/turnloop/pkg/tools"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
)

const (
	DefaultToolName        = "final_result"
	DefaultToolDescription = "The final response which ends this conversation"
	// WrapKey holds non-object result values inside the tool arguments.
	WrapKey = "response"
)

// FinalResult marks that a run produced its value. ToolName is empty for text results.
type FinalResult[R any] struct {
	Data       R
	ToolName   string
	ToolCallID string
}

type toolSpec struct {
	name        string
	description string
}

type schemaConfig struct {
	tools           []toolSpec
	allowTextResult bool
}

type SchemaOption func(*schemaConfig)

// WithTool adds a result tool. Without any WithTool a single `final_result` tool is
// declared. Several tools may share the result type under different names.
func WithTool(name, description string) SchemaOption {
	return func(c *schemaConfig) {
		c.tools = append(c.tools, toolSpec{name: name, description: description})
	}
}

// WithAllowTextResult accepts plain text responses as final results, in addition to the
// result tools.
func WithAllowTextResult(allow bool) SchemaOption {
	return func(c *schemaConfig) {
		c.allowTextResult = allow
	}
}

// Schema is the set of result tools of an agent.
type Schema[R any] struct {
	tools           []*Tool[R]
	allowTextResult bool
}

// NewSchema reflects R into a result schema. Non-object types are wrapped under
// WrapKey.
func NewSchema[R any](opts ...SchemaOption) (*Schema[R], error) {
	cfg := &schemaConfig{}
	for _, o := range opts {
		o(cfg)
	}

	params, wrapKey, err := reflectParameters[R]()
	if err != nil {
		return nil, err
	}

	specs := cfg.tools
	if len(specs) == 0 {
		description := params.Description
		if description == "" {
			description = DefaultToolDescription
		}
		specs = []toolSpec{{name: DefaultToolName, description: description}}
	}

	s := &Schema[R]{allowTextResult: cfg.allowTextResult}
	seen := map[string]struct{}{}
	for _, spec := range specs {
		if spec.name == "" {
			return nil, errors.New("result tool name cannot be empty")
		}
		if _, ok := seen[spec.name]; ok {
			return nil, errors.Errorf("duplicate result tool name %q", spec.name)
		}
		seen[spec.name] = struct{}{}
		description := spec.description
		if description == "" {
			description = DefaultToolDescription
		}
		s.tools = append(s.tools, &Tool[R]{
			def: models.ToolDefinition{
				Name:              spec.name,
				Description:       description,
				Parameters:        params,
				OuterTypedDictKey: wrapKey,
			},
		})
	}
	return s, nil
}

// IsTextType reports whether R can hold a plain string.
func IsTextType[R any]() bool {
	t := reflect.TypeOf((*R)(nil)).Elem()
	if t.Kind() == reflect.String {
		return true
	}
	return t.Kind() == reflect.Interface && reflect.TypeOf("").Implements(t)
}

// TextAs converts text into R when R can hold a string.
func TextAs[R any](text string) (R, bool) {
	var zero R
	if v, ok := any(text).(R); ok {
		return v, true
	}
	if t := reflect.TypeOf((*R)(nil)).Elem(); t.Kind() == reflect.String {
		return reflect.ValueOf(text).Convert(t).Interface().(R), true
	}
	return zero, false
}

func isObjectType(t reflect.Type) bool {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Struct:
		return true
	case reflect.Map:
		return t.Key().Kind() == reflect.String
	default:
		return false
	}
}

func reflectParameters[R any]() (*jsonschema.Schema, string, error) {
	t := reflect.TypeOf((*R)(nil)).Elem()
	if t.Kind() == reflect.Interface {
		return nil, "", errors.Errorf("cannot derive a result schema from interface type %s", t)
	}
	inner := tools.NewReflector().Reflect(reflect.New(t).Elem().Interface())
	if isObjectType(t) {
		if inner.Type == "" {
			inner.Type = "object"
		}
		return inner, "", nil
	}

	inner.Version = ""
	inner.ID = ""
	props := jsonschema.NewProperties()
	props.Set(WrapKey, inner)
	return &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   []string{WrapKey},
	}, WrapKey, nil
}

// AllowTextResult reports whether plain text is an acceptable final result. A nil schema
// means the run only produces text.
func (s *Schema[R]) AllowTextResult() bool {
	if s == nil {
		return true
	}
	return s.allowTextResult
}

// ToolDefs returns the definitions advertised to the model.
func (s *Schema[R]) ToolDefs() []models.ToolDefinition {
	if s == nil {
		return nil
	}
	out := make([]models.ToolDefinition, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t.def)
	}
	return out
}

// ToolNames returns the result tool names in declaration order.
func (s *Schema[R]) ToolNames() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t.def.Name)
	}
	return out
}

// Tool returns the result tool called name.
func (s *Schema[R]) Tool(name string) (*Tool[R], bool) {
	if s == nil {
		return nil, false
	}
	for _, t := range s.tools {
		if t.def.Name == name {
			return t, true
		}
	}
	return nil, false
}

// FindTool returns the first call, in response order, that targets a result tool.
func (s *Schema[R]) FindTool(calls []messages.ToolCallPart) (messages.ToolCallPart, *Tool[R], bool) {
	for _, c := range calls {
		if t, ok := s.Tool(c.ToolName); ok {
			return c, t, true
		}
	}
	return messages.ToolCallPart{}, nil, false
}

// FindNamedTool returns the first tool call part named name.
func (s *Schema[R]) FindNamedTool(parts []messages.ResponsePart, name string) (messages.ToolCallPart, *Tool[R], bool) {
	t, ok := s.Tool(name)
	if !ok {
		return messages.ToolCallPart{}, nil, false
	}
	for _, p := range parts {
		if c, ok := p.(messages.ToolCallPart); ok && c.ToolName == name {
			return c, t, true
		}
	}
	return messages.ToolCallPart{}, nil, false
}

// Tool is a single result tool.
type Tool[R any] struct {
	def models.ToolDefinition
}

func (t *Tool[R]) Name() string { return t.def.Name }

func (t *Tool[R]) Definition() models.ToolDefinition { return t.def }

// Validate turns the arguments of call into R. Complete values are checked against the
// schema; partial values are repaired with CompletePartialJSON and decoded leniently.
// With wrapErrors, failures come back as *ToolRetryError addressed to the call,
// otherwise as *ValidationError.
func (t *Tool[R]) Validate(call messages.ToolCallPart, allowPartial bool, wrapErrors bool) (R, error) {
	var zero R
	args := call.Args
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	fail := func(details []messages.ValidationErrorDetail) (R, error) {
		if wrapErrors {
			return zero, NewToolRetryError(messages.NewToolRetryPromptPart(details, call.ToolName, call.ToolCallID))
		}
		return zero, &ValidationError{Details: details}
	}

	if allowPartial {
		args = CompletePartialJSON(args)
	} else {
		details, err := tools.ValidateJSON(t.def.Parameters, args)
		if err != nil {
			return zero, err
		}
		if len(details) > 0 {
			return fail(details)
		}
	}

	if t.def.OuterTypedDictKey != "" {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(args, &wrapper); err != nil {
			return fail(decodeDetails(err, args))
		}
		inner, ok := wrapper[t.def.OuterTypedDictKey]
		if !ok {
			if allowPartial {
				return zero, nil
			}
			return fail([]messages.ValidationErrorDetail{{
				Type: "missing",
				Loc:  []string{t.def.OuterTypedDictKey},
				Msg:  "Field required",
			}})
		}
		args = inner
	}

	var out R
	if err := json.Unmarshal(args, &out); err != nil {
		return fail(decodeDetails(err, args))
	}
	return out, nil
}

func decodeDetails(err error, args json.RawMessage) []messages.ValidationErrorDetail {
	return []messages.ValidationErrorDetail{{
		Type:  "json_invalid",
		Loc:   []string{},
		Msg:   err.Error(),
		Input: string(args),
	}}
}
