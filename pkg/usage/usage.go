// Package usage tracks request and token counters for a run and enforces usage limits.
package usage

import (
	"github.com/go-go-golems/turnloop/pkg/runerrors"
)

// Usage accumulates counters over one or more model requests.
type Usage struct {
	Requests       int            `json:"requests" yaml:"requests"`
	RequestTokens  int            `json:"request_tokens,omitempty" yaml:"request_tokens,omitempty"`
	ResponseTokens int            `json:"response_tokens,omitempty" yaml:"response_tokens,omitempty"`
	TotalTokens    int            `json:"total_tokens,omitempty" yaml:"total_tokens,omitempty"`
	Details        map[string]int `json:"details,omitempty" yaml:"details,omitempty"`
}

// Incr adds other into u in place and bumps the request count by requests.
func (u *Usage) Incr(other Usage, requests int) {
	u.Requests += requests + other.Requests
	u.RequestTokens += other.RequestTokens
	u.ResponseTokens += other.ResponseTokens
	u.TotalTokens += other.TotalTokens
	if len(other.Details) > 0 {
		if u.Details == nil {
			u.Details = map[string]int{}
		}
		for k, v := range other.Details {
			u.Details[k] += v
		}
	}
}

// Add returns the sum of u and other without modifying either.
func (u Usage) Add(other Usage) Usage {
	out := u.Clone()
	out.Incr(other, 0)
	return out
}

// Clone copies the usage including the details map.
func (u Usage) Clone() Usage {
	out := u
	if u.Details != nil {
		out.Details = make(map[string]int, len(u.Details))
		for k, v := range u.Details {
			out.Details[k] = v
		}
	}
	return out
}

const DefaultRequestLimit = 50

// Limits is the usage policy for a run. Nil fields are unbounded.
type Limits struct {
	RequestLimit        *int `json:"request_limit,omitempty" yaml:"request_limit,omitempty"`
	RequestTokensLimit  *int `json:"request_tokens_limit,omitempty" yaml:"request_tokens_limit,omitempty"`
	ResponseTokensLimit *int `json:"response_tokens_limit,omitempty" yaml:"response_tokens_limit,omitempty"`
	TotalTokensLimit    *int `json:"total_tokens_limit,omitempty" yaml:"total_tokens_limit,omitempty"`
}

// DefaultLimits allows DefaultRequestLimit requests and any number of tokens.
func DefaultLimits() *Limits {
	n := DefaultRequestLimit
	return &Limits{RequestLimit: &n}
}

// HasTokenLimits reports whether any token limit is set.
func (l *Limits) HasTokenLimits() bool {
	if l == nil {
		return false
	}
	return l.RequestTokensLimit != nil || l.ResponseTokensLimit != nil || l.TotalTokensLimit != nil
}

// CheckBeforeRequest fails when sending one more request would exceed the request limit.
func (l *Limits) CheckBeforeRequest(u Usage) error {
	if l == nil || l.RequestLimit == nil {
		return nil
	}
	if u.Requests >= *l.RequestLimit {
		return runerrors.NewUsageLimitExceeded("The next request would exceed the request_limit of %d", *l.RequestLimit)
	}
	return nil
}

// CheckTokens fails when the accumulated token counts exceed any token limit.
func (l *Limits) CheckTokens(u Usage) error {
	if l == nil {
		return nil
	}
	if l.RequestTokensLimit != nil && u.RequestTokens > *l.RequestTokensLimit {
		return runerrors.NewUsageLimitExceeded("Exceeded the request_tokens_limit of %d (request_tokens=%d)", *l.RequestTokensLimit, u.RequestTokens)
	}
	if l.ResponseTokensLimit != nil && u.ResponseTokens > *l.ResponseTokensLimit {
		return runerrors.NewUsageLimitExceeded("Exceeded the response_tokens_limit of %d (response_tokens=%d)", *l.ResponseTokensLimit, u.ResponseTokens)
	}
	if l.TotalTokensLimit != nil && u.TotalTokens > *l.TotalTokensLimit {
		return runerrors.NewUsageLimitExceeded("Exceeded the total_tokens_limit of %d (total_tokens=%d)", *l.TotalTokensLimit, u.TotalTokens)
	}
	return nil
}
