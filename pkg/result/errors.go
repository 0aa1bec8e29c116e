package result

import (
	"github.com/go-go-golems/turnloop/pkg/messages"
)

// ToolRetryError carries the retry prompt produced by a failed validation. The turn loop
// feeds the part back to the model and counts a retry.
type ToolRetryError struct {
	Part messages.RetryPromptPart
}

func NewToolRetryError(part messages.RetryPromptPart) *ToolRetryError {
	return &ToolRetryError{Part: part}
}

func (e *ToolRetryError) Error() string {
	return e.Part.ModelResponse()
}

// ValidationError is returned by Tool.Validate when errors are not wrapped into a retry.
type ValidationError struct {
	Details []messages.ValidationErrorDetail
}

func (e *ValidationError) Error() string {
	return messages.NewRetryPromptPart(e.Details).ModelResponse()
}
