package tools

import (
	"context"
	"reflect"
	"runtime"
	"strings"
	"sync"

	"github.com/go-go-golems/turnloop/pkg/messages"
	"github.com/go-go-golems/turnloop/pkg/models"
	"github.com/go-go-golems/turnloop/pkg/runerrors"
	"github.com/iancoleman/strcase"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// PrepareFunc may customize a tool's definition for the current step. Returning nil
// withholds the tool from this request.
type PrepareFunc func(ctx context.Context, rc *RunContext, def models.ToolDefinition) (*models.ToolDefinition, error)

// Tool is a function the model can call. It owns a retry counter that is shared by all
// calls of the tool within a run.
type Tool struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema

	maxRetries   *int
	prepare      PrepareFunc
	validateArgs bool
	function     *ToolFunc

	mu           sync.Mutex
	currentRetry int
}

type ToolOption func(*Tool)

// WithMaxRetries bounds how many consecutive retry prompts the tool may produce.
func WithMaxRetries(n int) ToolOption {
	return func(t *Tool) {
		t.maxRetries = &n
	}
}

func WithPrepare(fn PrepareFunc) ToolOption {
	return func(t *Tool) {
		t.prepare = fn
	}
}

// WithSchemaValidation toggles validating arguments against the parameter schema before
// the function is called. Enabled by default.
func WithSchemaValidation(enabled bool) ToolOption {
	return func(t *Tool) {
		t.validateArgs = enabled
	}
}

func WithParameters(schema *jsonschema.Schema) ToolOption {
	return func(t *Tool) {
		t.Parameters = schema
	}
}

// NewToolFromFunc builds a tool from a Go function. An empty name is derived from the
// function's name in snake_case.
func NewToolFromFunc(name, description string, fn interface{}, opts ...ToolOption) (*Tool, error) {
	tf, err := newToolFunc(fn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create tool function")
	}
	if name == "" {
		name = defaultToolName(fn)
	}
	if name == "" {
		return nil, errors.New("tool name cannot be empty")
	}

	t := &Tool{
		Name:         name,
		Description:  description,
		Parameters:   tf.Schema(),
		validateArgs: true,
		function:     tf,
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

func defaultToolName(fn interface{}) string {
	f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer())
	if f == nil {
		return ""
	}
	name := f.Name()
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	// closures are named like func1
	if strings.HasPrefix(name, "func") {
		return ""
	}
	return strcase.ToSnake(name)
}

// SetDefaultMaxRetries sets the retry bound unless one was given explicitly.
func (t *Tool) SetDefaultMaxRetries(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.maxRetries == nil {
		t.maxRetries = &n
	}
}

func (t *Tool) MaxRetries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.maxRetries == nil {
		return 0
	}
	return *t.maxRetries
}

func (t *Tool) CurrentRetry() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentRetry
}

func (t *Tool) ResetRetry() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentRetry = 0
}

// Definition is the static definition of the tool.
func (t *Tool) Definition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.Parameters,
	}
}

// PrepareDefinition returns the definition to offer this step, or nil when the prepare
// function declines.
func (t *Tool) PrepareDefinition(ctx context.Context, rc *RunContext) (*models.ToolDefinition, error) {
	def := t.Definition()
	if t.prepare == nil {
		return &def, nil
	}
	return t.prepare(ctx, rc.ReplaceWith(t.CurrentRetry(), t.Name), def)
}

// Clone returns a copy of the tool with a fresh retry counter.
func (t *Tool) Clone() *Tool {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := &Tool{
		Name:         t.Name,
		Description:  t.Description,
		Parameters:   t.Parameters,
		prepare:      t.prepare,
		validateArgs: t.validateArgs,
		function:     t.function,
	}
	if t.maxRetries != nil {
		n := *t.maxRetries
		out.maxRetries = &n
	}
	return out
}

// Run executes one call. Bad arguments and *ModelRetry errors become a RetryPromptPart
// until the retry bound is exceeded, which is fatal. Any other error from the function is
// returned as is.
func (t *Tool) Run(ctx context.Context, call messages.ToolCallPart, rc *RunContext) (messages.RequestPart, error) {
	rc = rc.ReplaceWith(t.CurrentRetry(), t.Name)

	if t.validateArgs {
		details, err := ValidateJSON(t.Parameters, call.Args)
		if err != nil {
			return nil, errors.Wrapf(err, "tool %s", t.Name)
		}
		if len(details) > 0 {
			return t.onError(details, call)
		}
	}

	out, err := t.function.Call(WithRunContext(ctx, rc), call.Args)
	if err != nil {
		var argErr *ArgumentError
		if errors.As(err, &argErr) {
			return t.onError(argErr.Details, call)
		}
		var retry *ModelRetry
		if errors.As(err, &retry) {
			return t.onError(retry.Message, call)
		}
		return nil, errors.Wrapf(err, "tool %s failed", t.Name)
	}

	t.ResetRetry()
	return messages.NewToolReturnPart(t.Name, out, call.ToolCallID), nil
}

func (t *Tool) onError(content any, call messages.ToolCallPart) (messages.RequestPart, error) {
	t.mu.Lock()
	t.currentRetry++
	retry := t.currentRetry
	maxRetries := 0
	if t.maxRetries != nil {
		maxRetries = *t.maxRetries
	}
	t.mu.Unlock()

	if retry > maxRetries {
		return nil, runerrors.NewUnexpectedModelBehavior("Tool exceeded max retries count of %d", maxRetries)
	}
	log.Warn().Str("tool", t.Name).Int("retry", retry).Msg("tool asked for a retry")
	return messages.NewToolRetryPromptPart(content, t.Name, call.ToolCallID), nil
}
