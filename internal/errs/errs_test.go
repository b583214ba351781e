package errs

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		kind Kind
	}{
		{&RateLimited{UserID: "u1", Tier: "free"}, KindRateLimited},
		{&CircuitOpen{AgentID: "blaze"}, KindCircuitOpen},
		{&Timeout{Scope: "request", Limit: time.Second}, KindTimeout},
		{&AgentError{AgentID: "sage", Reason: "boom"}, KindAgentError},
		{&Protocol{MessageID: "m1", Expected: 2, Got: 5}, KindProtocolError},
		{&NoCandidate{}, KindNoCandidate},
		{&AllFailed{Branches: map[string]Kind{"blaze": KindTimeout}}, KindAllFailed},
		{errors.New("something else"), KindInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.kind, KindOf(tc.err), "error: %v", tc.err)
	}
}

func TestKindOfWrapped(t *testing.T) {
	err := fmt.Errorf("branch failed: %w", &CircuitOpen{AgentID: "wave"})
	assert.Equal(t, KindCircuitOpen, KindOf(err))
}

func TestRetryAfterOf(t *testing.T) {
	retry, ok := RetryAfterOf(&RateLimited{RetryAfter: 2 * time.Second})
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, retry)

	_, ok = RetryAfterOf(&Timeout{})
	assert.False(t, ok)
}

func TestAllFailedErrorIsDeterministic(t *testing.T) {
	err := &AllFailed{Branches: map[string]Kind{
		"wave":  KindTimeout,
		"blaze": KindCircuitOpen,
		"sage":  KindAgentError,
	}}
	assert.Equal(t,
		"all candidates failed: blaze=circuit_open, sage=agent_error, wave=timeout",
		err.Error())
}
