package tools

import (
	"fmt"
)

// ModelRetry is returned by a tool or result validator to ask the model to try again.
// The message is sent back to the model as a retry prompt.
type ModelRetry struct {
	Message string
}

func NewModelRetry(format string, args ...any) *ModelRetry {
	return &ModelRetry{Message: fmt.Sprintf(format, args...)}
}

func (e *ModelRetry) Error() string {
	return e.Message
}
