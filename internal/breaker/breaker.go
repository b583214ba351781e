// Package breaker wraps sony/gobreaker with per-agent circuit breakers. A
// breaker trips after a run of consecutive failures, fast-fails while open,
// lets a limited number of trial calls through half-open and closes again
// once every trial succeeds.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/270aldo/ngx-orchestrator/internal/errs"
)

// Config holds the thresholds shared by every per-agent breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold uint32
	// OpenDuration is how long the circuit stays open before allowing
	// half-open trial calls.
	OpenDuration time.Duration
	// HalfOpenTrials is the number of trial calls allowed while half-open.
	// All of them must succeed to close the circuit; any failure re-opens
	// it immediately.
	HalfOpenTrials uint32
	// Window is the rolling interval over which closed-state counts are
	// accumulated before being reset.
	Window time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenDuration:     30 * time.Second,
		HalfOpenTrials:   3,
		Window:           time.Minute,
	}
}

// TransitionFunc observes breaker state changes, keyed by agent ID.
type TransitionFunc func(agentID string, from, to gobreaker.State)

// Pool manages one circuit breaker per downstream agent, created lazily on
// first use. T is the protected call's result type.
type Pool[T any] struct {
	cfg          Config
	logger       *zap.Logger
	onTransition TransitionFunc

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[T]
}

// NewPool creates a breaker pool. onTransition may be nil.
func NewPool[T any](cfg Config, logger *zap.Logger, onTransition TransitionFunc) *Pool[T] {
	return &Pool[T]{
		cfg:          cfg,
		logger:       logger,
		onTransition: onTransition,
		breakers:     make(map[string]*gobreaker.CircuitBreaker[T]),
	}
}

// Execute runs fn under the breaker for agentID. While the circuit is open
// (or half-open trials are exhausted) fn is never invoked and a typed
// CircuitOpen error is returned; the caller decides on a fallback.
func (p *Pool[T]) Execute(agentID string, fn func() (T, error)) (T, error) {
	result, err := p.get(agentID).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return result, &errs.CircuitOpen{AgentID: agentID}
	}
	return result, err
}

// State returns the current breaker state for agentID.
func (p *Pool[T]) State(agentID string) gobreaker.State {
	return p.get(agentID).State()
}

// Stats returns the per-agent breaker states for the stats endpoint.
func (p *Pool[T]) Stats() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]string, len(p.breakers))
	for id, cb := range p.breakers {
		out[id] = cb.State().String()
	}
	return out
}

func (p *Pool[T]) get(agentID string) *gobreaker.CircuitBreaker[T] {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cb, ok := p.breakers[agentID]; ok {
		return cb
	}

	threshold := p.cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        agentID,
		MaxRequests: p.cfg.HalfOpenTrials,
		Interval:    p.cfg.Window,
		Timeout:     p.cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Info("Circuit breaker state changed",
				zap.String("agent_id", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if p.onTransition != nil {
				p.onTransition(name, from, to)
			}
		},
	})
	p.breakers[agentID] = cb
	return cb
}
