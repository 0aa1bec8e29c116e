package tools

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/go-go-golems/turnloop/pkg/messages"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// ArgumentError is returned when the JSON arguments cannot be decoded into the function's
// input type. It is turned into a retry prompt, not a fatal error.
type ArgumentError struct {
	Details []messages.ValidationErrorDetail
}

func (e *ArgumentError) Error() string {
	if len(e.Details) == 0 {
		return "invalid tool arguments"
	}
	return "invalid tool arguments: " + e.Details[0].Msg
}

// ToolFunc wraps a Go function so it can be called with JSON arguments. Supported shapes:
//
//	func() (Out, error)
//	func(Input) (Out, error)
//	func(context.Context) (Out, error)
//	func(context.Context, Input) (Out, error)
//
// The error return is optional.
type ToolFunc struct {
	fn        reflect.Value
	funcType  reflect.Type
	takesCtx  bool
	inputType reflect.Type
}

func newToolFunc(fn interface{}) (*ToolFunc, error) {
	if fn == nil {
		return nil, errors.New("tool function is nil")
	}
	funcType := reflect.TypeOf(fn)
	if funcType.Kind() != reflect.Func {
		return nil, errors.Errorf("provided value is not a function")
	}

	if funcType.NumOut() == 0 || funcType.NumOut() > 2 {
		return nil, errors.Errorf("function must return (result) or (result, error)")
	}
	if funcType.NumOut() == 2 && !funcType.Out(1).Implements(errorType) {
		return nil, errors.Errorf("second return value must be an error")
	}

	tf := &ToolFunc{fn: reflect.ValueOf(fn), funcType: funcType}
	switch funcType.NumIn() {
	case 0:
	case 1:
		if funcType.In(0) == contextType {
			tf.takesCtx = true
		} else {
			tf.inputType = funcType.In(0)
		}
	case 2:
		if funcType.In(0) != contextType {
			return nil, errors.Errorf("two-arg tool function must be (context.Context, Input)")
		}
		tf.takesCtx = true
		tf.inputType = funcType.In(1)
	default:
		return nil, errors.Errorf("function must take at most (context.Context, Input), got %d parameters", funcType.NumIn())
	}
	return tf, nil
}

// Schema reflects the JSON schema of the function's input. Functions without input get an
// empty object schema.
func (tf *ToolFunc) Schema() *jsonschema.Schema {
	if tf.inputType == nil {
		return &jsonschema.Schema{Type: "object"}
	}
	schema := NewReflector().Reflect(reflect.New(tf.inputType).Elem().Interface())
	if schema.Type == "" && schema.Ref == "" {
		schema.Type = "object"
	}
	return schema
}

// Call decodes args into the input type and calls the function.
func (tf *ToolFunc) Call(ctx context.Context, args json.RawMessage) (interface{}, error) {
	in := make([]reflect.Value, 0, 2)
	if tf.takesCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	if tf.inputType != nil {
		input := reflect.New(tf.inputType)
		raw := args
		if len(raw) == 0 {
			raw = json.RawMessage("{}")
		}
		if err := json.Unmarshal(raw, input.Interface()); err != nil {
			log.Debug().Err(err).Str("input_type", tf.inputType.String()).Msg("tools: failed to unmarshal arguments")
			return nil, &ArgumentError{Details: []messages.ValidationErrorDetail{{
				Type:  "json_invalid",
				Loc:   []string{},
				Msg:   err.Error(),
				Input: string(raw),
			}}}
		}
		in = append(in, input.Elem())
	}

	results := tf.fn.Call(in)
	return extractResults(results)
}

func extractResults(results []reflect.Value) (interface{}, error) {
	switch len(results) {
	case 1:
		return results[0].Interface(), nil
	case 2:
		result := results[0].Interface()
		errInterface := results[1].Interface()
		if errInterface == nil {
			return result, nil
		}
		if err, ok := errInterface.(error); ok {
			return result, err
		}
		return result, errors.Errorf("unexpected error type: %T", errInterface)
	default:
		return nil, errors.Errorf("unexpected number of return values: %d", len(results))
	}
}
