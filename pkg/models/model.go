// Package models defines the contract between the turn loop and a language model backend.
package models

import (
	"context"
	"time"

	"github.com/go-go-golems/turnloop/pkg/messages"
	"github.com/go-go-golems/turnloop/pkg/usage"
	"github.com/invopop/jsonschema"
)

// ToolDefinition is what the model sees of a tool: a name, a description and a JSON
// schema for its arguments.
type ToolDefinition struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters"`
	// OuterTypedDictKey names the key a non-object result value is wrapped under.
	OuterTypedDictKey string `json:"outer_typed_dict_key,omitempty"`
}

// RequestParameters describes which tools and result shapes are offered for one request.
type RequestParameters struct {
	FunctionTools   []ToolDefinition
	AllowTextResult bool
	ResultTools     []ToolDefinition
}

// Model sends requests to a backend.
type Model interface {
	Name() string
	Request(ctx context.Context, msgs []messages.Message, settings *Settings, params *RequestParameters) (*messages.ModelResponse, usage.Usage, error)
	RequestStream(ctx context.Context, msgs []messages.Message, settings *Settings, params *RequestParameters) (StreamedResponse, error)
}

// StreamedResponse is an in-flight streamed response. Next returns io.EOF once the stream
// is exhausted. Get and Usage reflect everything received so far.
type StreamedResponse interface {
	Next(ctx context.Context) (messages.StreamEvent, error)
	Get() *messages.ModelResponse
	Usage() usage.Usage
	ModelName() string
	Timestamp() time.Time
}
