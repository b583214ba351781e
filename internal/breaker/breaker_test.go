package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/270aldo/ngx-orchestrator/internal/errs"
)

var errBoom = errors.New("boom")

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		OpenDuration:     50 * time.Millisecond,
		HalfOpenTrials:   2,
		Window:           time.Minute,
	}
}

func TestExecutePassesThrough(t *testing.T) {
	p := NewPool[string](testConfig(), zaptest.NewLogger(t), nil)

	got, err := p.Execute("blaze", func() (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", got)

	_, err = p.Execute("blaze", func() (string, error) { return "", errBoom })
	assert.ErrorIs(t, err, errBoom)
}

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	p := NewPool[string](testConfig(), zaptest.NewLogger(t), nil)

	for i := 0; i < 3; i++ {
		p.Execute("blaze", func() (string, error) { return "", errBoom })
	}
	assert.Equal(t, gobreaker.StateOpen, p.State("blaze"))

	called := false
	_, err := p.Execute("blaze", func() (string, error) {
		called = true
		return "ok", nil
	})
	var open *errs.CircuitOpen
	require.ErrorAs(t, err, &open)
	assert.Equal(t, "blaze", open.AgentID)
	assert.False(t, called, "open circuit must not invoke the call")
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	p := NewPool[string](testConfig(), zaptest.NewLogger(t), nil)

	for i := 0; i < 2; i++ {
		p.Execute("blaze", func() (string, error) { return "", errBoom })
	}
	p.Execute("blaze", func() (string, error) { return "ok", nil })
	p.Execute("blaze", func() (string, error) { return "", errBoom })

	assert.Equal(t, gobreaker.StateClosed, p.State("blaze"))
}

func TestRecoversThroughHalfOpen(t *testing.T) {
	p := NewPool[string](testConfig(), zaptest.NewLogger(t), nil)

	for i := 0; i < 3; i++ {
		p.Execute("blaze", func() (string, error) { return "", errBoom })
	}
	require.Equal(t, gobreaker.StateOpen, p.State("blaze"))

	time.Sleep(60 * time.Millisecond)

	for i := 0; i < 2; i++ {
		_, err := p.Execute("blaze", func() (string, error) { return "ok", nil })
		require.NoError(t, err)
	}
	assert.Equal(t, gobreaker.StateClosed, p.State("blaze"))
}

func TestHalfOpenFailureReopens(t *testing.T) {
	p := NewPool[string](testConfig(), zaptest.NewLogger(t), nil)

	for i := 0; i < 3; i++ {
		p.Execute("blaze", func() (string, error) { return "", errBoom })
	}
	time.Sleep(60 * time.Millisecond)

	p.Execute("blaze", func() (string, error) { return "", errBoom })
	assert.Equal(t, gobreaker.StateOpen, p.State("blaze"))
}

func TestBreakersAreIndependent(t *testing.T) {
	p := NewPool[string](testConfig(), zaptest.NewLogger(t), nil)

	for i := 0; i < 3; i++ {
		p.Execute("blaze", func() (string, error) { return "", errBoom })
	}
	assert.Equal(t, gobreaker.StateOpen, p.State("blaze"))
	assert.Equal(t, gobreaker.StateClosed, p.State("sage"))

	got, err := p.Execute("sage", func() (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestTransitionCallback(t *testing.T) {
	var transitions []string
	p := NewPool[string](testConfig(), zaptest.NewLogger(t), func(agentID string, _, to gobreaker.State) {
		transitions = append(transitions, agentID+":"+to.String())
	})

	for i := 0; i < 3; i++ {
		p.Execute("blaze", func() (string, error) { return "", errBoom })
	}
	require.NotEmpty(t, transitions)
	assert.Equal(t, "blaze:open", transitions[0])

	stats := p.Stats()
	assert.Equal(t, "open", stats["blaze"])
}
