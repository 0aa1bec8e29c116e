package usage

import (
	"testing"

	"github.com/go-go-golems/turnloop/pkg/helpers"
	"github.com/go-go-golems/turnloop/pkg/runerrors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncrAndAdd(t *testing.T) {
	u := Usage{}
	u.Incr(Usage{RequestTokens: 10, ResponseTokens: 5, TotalTokens: 15, Details: map[string]int{"cached": 2}}, 1)
	u.Incr(Usage{RequestTokens: 1, TotalTokens: 1}, 1)

	assert.Equal(t, 2, u.Requests)
	assert.Equal(t, 11, u.RequestTokens)
	assert.Equal(t, 16, u.TotalTokens)
	assert.Equal(t, 2, u.Details["cached"])

	sum := u.Add(Usage{Requests: 1, Details: map[string]int{"cached": 1}})
	assert.Equal(t, 3, sum.Requests)
	assert.Equal(t, 3, sum.Details["cached"])
	assert.Equal(t, 2, u.Details["cached"], "Add must not mutate the receiver")
}

func TestCheckBeforeRequest(t *testing.T) {
	limits := &Limits{RequestLimit: helpers.ToPtr(2)}

	require.NoError(t, limits.CheckBeforeRequest(Usage{Requests: 1}))

	err := limits.CheckBeforeRequest(Usage{Requests: 2})
	require.Error(t, err)
	var ule *runerrors.UsageLimitExceeded
	require.True(t, errors.As(err, &ule))
	assert.Equal(t, "The next request would exceed the request_limit of 2", err.Error())

	var nilLimits *Limits
	require.NoError(t, nilLimits.CheckBeforeRequest(Usage{Requests: 1000}))
}

func TestCheckTokens(t *testing.T) {
	limits := &Limits{TotalTokensLimit: helpers.ToPtr(10)}
	assert.True(t, limits.HasTokenLimits())
	assert.False(t, DefaultLimits().HasTokenLimits())

	require.NoError(t, limits.CheckTokens(Usage{TotalTokens: 10}))
	err := limits.CheckTokens(Usage{TotalTokens: 11})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "total_tokens_limit of 10")

	limits = &Limits{ResponseTokensLimit: helpers.ToPtr(3)}
	assert.Error(t, limits.CheckTokens(Usage{ResponseTokens: 4}))
}
