package tools

import (
	"context"

	"github.com/go-go-golems/turnloop/pkg/messages"
	"github.com/go-go-golems/turnloop/pkg/models"
	"github.com/go-go-golems/turnloop/pkg/usage"
	"github.com/huandu/go-clone"
)

// RunContext is the read-only view of a run handed to tools, prepare functions, system
// prompt functions and result validators.
type RunContext struct {
	Deps     any
	Model    models.Model
	Usage    usage.Usage
	Prompt   string
	Messages []messages.Message
	RunStep  int
	// Retry is the current retry count of the tool or result being processed.
	Retry    int
	ToolName string
}

// ReplaceWith returns a copy with retry and tool name set.
func (rc *RunContext) ReplaceWith(retry int, toolName string) *RunContext {
	out := *rc
	out.Retry = retry
	out.ToolName = toolName
	return &out
}

// Snapshot returns a deep copy of the message history and usage so concurrent tools cannot
// observe later mutations of the run state. Deps and Model are shared.
func (rc *RunContext) Snapshot() *RunContext {
	out := *rc
	out.Usage = rc.Usage.Clone()
	out.Messages = clone.Clone(rc.Messages).([]messages.Message)
	return &out
}

type runContextKey struct{}

// WithRunContext attaches rc to ctx for tool functions.
func WithRunContext(ctx context.Context, rc *RunContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if rc == nil {
		return ctx
	}
	return context.WithValue(ctx, runContextKey{}, rc)
}

// RunContextFrom returns the run context stored by WithRunContext.
func RunContextFrom(ctx context.Context) (*RunContext, bool) {
	if ctx == nil {
		return nil, false
	}
	rc, ok := ctx.Value(runContextKey{}).(*RunContext)
	if !ok || rc == nil {
		return nil, false
	}
	return rc, true
}

// DepsFrom returns the typed dependencies of the current run.
func DepsFrom[T any](ctx context.Context) (T, bool) {
	var zero T
	rc, ok := RunContextFrom(ctx)
	if !ok {
		return zero, false
	}
	d, ok := rc.Deps.(T)
	return d, ok
}
