// Package runerrors holds the error taxonomy surfaced by an agent run.
//
// Recoverable conditions (tool retries, result validation retries) never leave the
// turn loop and are not represented here.
package runerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNoCapture is returned when looking up captured run messages outside a capture scope.
var ErrNoCapture = errors.New("no run message capture in context")

// UnexpectedModelBehavior is fatal: the model did something the loop cannot recover from
// (empty response, unknown result tool, retries exhausted).
type UnexpectedModelBehavior struct {
	Message string
	Body    string
}

func NewUnexpectedModelBehavior(format string, args ...any) *UnexpectedModelBehavior {
	return &UnexpectedModelBehavior{Message: fmt.Sprintf(format, args...)}
}

func (e *UnexpectedModelBehavior) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s, body:\n%s", e.Message, e.Body)
	}
	return e.Message
}

// AgentRunError signals a misuse of the run machinery, e.g. re-driving a node.
type AgentRunError struct {
	Message string
}

func NewAgentRunError(msg string) *AgentRunError {
	return &AgentRunError{Message: msg}
}

func (e *AgentRunError) Error() string {
	return e.Message
}

// UserError signals a configuration or API usage mistake by the caller.
type UserError struct {
	Message string
}

func NewUserError(format string, args ...any) *UserError {
	return &UserError{Message: fmt.Sprintf(format, args...)}
}

func (e *UserError) Error() string {
	return e.Message
}

// UsageLimitExceeded is returned when a usage policy is violated. It is distinct from the
// retry path and is never counted against retries.
type UsageLimitExceeded struct {
	Message string
}

func NewUsageLimitExceeded(format string, args ...any) *UsageLimitExceeded {
	return &UsageLimitExceeded{Message: fmt.Sprintf(format, args...)}
}

func (e *UsageLimitExceeded) Error() string {
	return e.Message
}

// IsFatalMisuse reports whether err is a programming error (AgentRunError or UserError).
func IsFatalMisuse(err error) bool {
	var are *AgentRunError
	var ue *UserError
	return errors.As(err, &are) || errors.As(err, &ue)
}
