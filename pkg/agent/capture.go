package agent

import (
	"context"
	"sync"

	"github.com/go-go-golems/turnloop/pkg/messages"
	"github.com/go-go-golems/turnloop/pkg/runerrors"
)

// RunMessages exposes the message history of the first run started within a capture
// scope, including runs that fail.
type RunMessages struct {
	mu       sync.Mutex
	messages []messages.Message
	used     bool
}

// Messages returns the history captured so far.
func (r *RunMessages) Messages() []messages.Message {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]messages.Message(nil), r.messages...)
}

// claim binds the capture to the calling run. Only the first claim succeeds.
func (r *RunMessages) claim() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return false
	}
	r.used = true
	return true
}

func (r *RunMessages) set(msgs []messages.Message) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = msgs
}

type captureKey struct{}

// CaptureRunMessages opens a capture scope. Inside an existing scope the outer capture is
// returned unchanged, so nested scopes observe the same first run.
func CaptureRunMessages(ctx context.Context) (context.Context, *RunMessages) {
	if rm, ok := ctx.Value(captureKey{}).(*RunMessages); ok {
		return ctx, rm
	}
	rm := &RunMessages{}
	return context.WithValue(ctx, captureKey{}, rm), rm
}

// CapturedRunMessages returns the capture of ctx, or runerrors.ErrNoCapture outside any
// scope.
func CapturedRunMessages(ctx context.Context) (*RunMessages, error) {
	if rm, ok := ctx.Value(captureKey{}).(*RunMessages); ok {
		return rm, nil
	}
	return nil, runerrors.ErrNoCapture
}
