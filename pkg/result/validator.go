package result

import (
	"context"

	"github.com/go-go-golems/turnloop/pkg/messages"
	"github.com/go-go-golems/turnloop/pkg/tools"
	"github.com/pkg/errors"
)

// ValidatorFunc checks or transforms a candidate result. Returning *tools.ModelRetry asks
// the model to try again; any other error ends the run.
type ValidatorFunc[R any] func(ctx context.Context, rc *tools.RunContext, data R) (R, error)

type Validator[R any] struct {
	Fn ValidatorFunc[R]
}

func NewValidator[R any](fn ValidatorFunc[R]) Validator[R] {
	return Validator[R]{Fn: fn}
}

// NewSimpleValidator adapts a validator that needs neither a context nor the run context.
func NewSimpleValidator[R any](fn func(data R) (R, error)) Validator[R] {
	return Validator[R]{Fn: func(_ context.Context, _ *tools.RunContext, data R) (R, error) {
		return fn(data)
	}}
}

// Validate runs the validator. A *tools.ModelRetry is converted into a *ToolRetryError
// addressed to call when one is given.
func (v Validator[R]) Validate(ctx context.Context, data R, call *messages.ToolCallPart, rc *tools.RunContext) (R, error) {
	var zero R
	out, err := v.Fn(ctx, rc, data)
	if err == nil {
		return out, nil
	}
	var retry *tools.ModelRetry
	if errors.As(err, &retry) {
		part := messages.NewRetryPromptPart(retry.Message)
		if call != nil {
			part.ToolName = call.ToolName
			part.ToolCallID = call.ToolCallID
		}
		return zero, NewToolRetryError(part)
	}
	return zero, err
}

// ValidateChain applies validators left to right, feeding each the previous output.
func ValidateChain[R any](ctx context.Context, validators []Validator[R], data R, call *messages.ToolCallPart, rc *tools.RunContext) (R, error) {
	var err error
	for _, v := range validators {
		data, err = v.Validate(ctx, data, call, rc)
		if err != nil {
			var zero R
			return zero, err
		}
	}
	return data, nil
}
