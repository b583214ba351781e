// Package errs defines the orchestration error taxonomy. Every failure that
// can surface to a caller is represented by one of these typed errors; raw
// downstream errors never leave the core.
package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind is the machine-readable classification of an orchestration error.
type Kind string

const (
	KindRateLimited    Kind = "rate_limited"
	KindCircuitOpen    Kind = "circuit_open"
	KindTimeout        Kind = "timeout"
	KindAgentError     Kind = "agent_error"
	KindProtocolError  Kind = "protocol_error"
	KindNoCandidate    Kind = "no_candidate_available"
	KindAllFailed      Kind = "all_candidates_failed"
	KindInternal       Kind = "internal"
)

// RateLimited is returned when the rate limiter denies admission.
type RateLimited struct {
	UserID     string
	Endpoint   string
	Tier       string
	RetryAfter time.Duration
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("rate limited: user %s on %s (tier %s), retry after %s",
		e.UserID, e.Endpoint, e.Tier, e.RetryAfter)
}

// CircuitOpen is returned when a downstream breaker is shedding load. The
// breaker never picks a fallback; the orchestrator maps this error to the
// registry-declared fallback text.
type CircuitOpen struct {
	AgentID string
}

func (e *CircuitOpen) Error() string {
	return fmt.Sprintf("circuit open for agent %s", e.AgentID)
}

// Timeout is returned when a per-branch or overall deadline expires.
type Timeout struct {
	Scope string // "request" or "branch"
	Limit time.Duration
}

func (e *Timeout) Error() string {
	return fmt.Sprintf("%s timeout after %s", e.Scope, e.Limit)
}

// AgentError is an application-level failure reported by a downstream agent.
type AgentError struct {
	AgentID string
	Code    string
	Reason  string
}

func (e *AgentError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("agent %s failed: %s (%s)", e.AgentID, e.Reason, e.Code)
	}
	return fmt.Sprintf("agent %s failed: %s", e.AgentID, e.Reason)
}

// Protocol is a malformed or out-of-order A2A message. It indicates a bug in
// a transport or agent, not a transient condition.
type Protocol struct {
	MessageID string
	Expected  int
	Got       int
	Detail    string
}

func (e *Protocol) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("protocol error on message %s: %s", e.MessageID, e.Detail)
	}
	return fmt.Sprintf("protocol error on message %s: expected sequence %d, got %d",
		e.MessageID, e.Expected, e.Got)
}

// NoCandidate is returned when classification produced no usable agent.
type NoCandidate struct {
	Text string
}

func (e *NoCandidate) Error() string {
	return "no candidate agent available"
}

// AllFailed aggregates the failure kinds of every branch of a fan-out in
// which no branch produced a usable response.
type AllFailed struct {
	Branches map[string]Kind
}

func (e *AllFailed) Error() string {
	parts := make([]string, 0, len(e.Branches))
	for id, kind := range e.Branches {
		parts = append(parts, fmt.Sprintf("%s=%s", id, kind))
	}
	sort.Strings(parts)
	return "all candidates failed: " + strings.Join(parts, ", ")
}

// KindOf classifies err into its taxonomy kind. Unknown errors map to
// KindInternal.
func KindOf(err error) Kind {
	var (
		rl *RateLimited
		co *CircuitOpen
		to *Timeout
		ae *AgentError
		pe *Protocol
		nc *NoCandidate
		af *AllFailed
	)
	switch {
	case errors.As(err, &rl):
		return KindRateLimited
	case errors.As(err, &co):
		return KindCircuitOpen
	case errors.As(err, &to):
		return KindTimeout
	case errors.As(err, &ae):
		return KindAgentError
	case errors.As(err, &pe):
		return KindProtocolError
	case errors.As(err, &nc):
		return KindNoCandidate
	case errors.As(err, &af):
		return KindAllFailed
	}
	return KindInternal
}

// RetryAfterOf extracts the retry hint from a rate-limit denial.
func RetryAfterOf(err error) (time.Duration, bool) {
	var rl *RateLimited
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
