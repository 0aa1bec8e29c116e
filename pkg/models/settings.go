package models

import (
	"time"

	"github.com/huandu/go-clone"
)

// Settings are backend-agnostic request knobs. Nil fields are left to the backend.
type Settings struct {
	MaxTokens         *int              `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature       *float64          `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP              *float64          `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	Timeout           *time.Duration    `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	ParallelToolCalls *bool             `json:"parallel_tool_calls,omitempty" yaml:"parallel_tool_calls,omitempty"`
	Extra             map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

func (s *Settings) Clone() *Settings {
	if s == nil {
		return nil
	}
	return clone.Clone(s).(*Settings)
}

// MergeSettings overlays overrides onto base. Neither argument is modified.
func MergeSettings(base, overrides *Settings) *Settings {
	if base == nil {
		return overrides.Clone()
	}
	out := base.Clone()
	if overrides == nil {
		return out
	}
	o := overrides.Clone()
	if o.MaxTokens != nil {
		out.MaxTokens = o.MaxTokens
	}
	if o.Temperature != nil {
		out.Temperature = o.Temperature
	}
	if o.TopP != nil {
		out.TopP = o.TopP
	}
	if o.Timeout != nil {
		out.Timeout = o.Timeout
	}
	if o.ParallelToolCalls != nil {
		out.ParallelToolCalls = o.ParallelToolCalls
	}
	for k, v := range o.Extra {
		if out.Extra == nil {
			out.Extra = map[string]string{}
		}
		out.Extra[k] = v
	}
	return out
}
