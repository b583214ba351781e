// Package envelope defines the request/response types that flow through the
// orchestration core: the inbound request, the per-agent response, streaming
// chunks and the agent descriptor records held by the registry.
package envelope

import (
	"time"
)

// AgentStatus is the health state of a registered agent.
type AgentStatus string

const (
	StatusOnline   AgentStatus = "online"
	StatusDegraded AgentStatus = "degraded"
	StatusOffline  AgentStatus = "offline"
)

// Valid reports whether s is one of the known status values.
func (s AgentStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusDegraded, StatusOffline:
		return true
	}
	return false
}

// AgentDescriptor is the identity and capability record for one specialized
// agent. Descriptors are created at startup from the agent manifest and only
// their Status mutates at runtime.
type AgentDescriptor struct {
	ID           string         `json:"agent_id" yaml:"id"`
	DisplayName  string         `json:"display_name" yaml:"display_name"`
	Capabilities []string       `json:"capabilities" yaml:"capabilities"`
	Status       AgentStatus    `json:"status" yaml:"status"`
	Priority     int            `json:"priority" yaml:"priority"`
	FallbackText string         `json:"fallback_text" yaml:"fallback_text"`
	Endpoint     string         `json:"endpoint,omitempty" yaml:"endpoint"`
	VoiceProfile map[string]any `json:"voice_profile,omitempty" yaml:"voice_profile"`
}

// HasCapability reports whether the agent declares the given capability tag.
func (d *AgentDescriptor) HasCapability(tag string) bool {
	for _, c := range d.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Request is a single orchestration request. It is created per inbound call
// and immutable afterwards.
type Request struct {
	ConversationID string            `json:"conversation_id"`
	UserID         string            `json:"user_id"`
	Text           string            `json:"text"`
	Context        map[string]string `json:"context,omitempty"`
	Stream         bool              `json:"stream,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Response is the result of one agent invocation, or the merged result of a
// fan-out.
type Response struct {
	AgentID    string            `json:"agent_id"`
	Text       string            `json:"text"`
	Confidence float64           `json:"confidence,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	LatencyMS  int64             `json:"latency_ms"`
	FromCache  bool              `json:"from_cache"`
	Degraded   bool              `json:"degraded,omitempty"`
}

// Chunk is one unit of a streamed response. Sequence numbers are strictly
// increasing within a stream and the last chunk carries Final=true.
type Chunk struct {
	AgentID   string `json:"agent_id"`
	Sequence  int    `json:"sequence"`
	Delta     string `json:"delta,omitempty"`
	Final     bool   `json:"final"`
	FromCache bool   `json:"from_cache,omitempty"`
	Degraded  bool   `json:"degraded,omitempty"`

	// Err is set on the terminal chunk of an aborted stream. It never
	// crosses a process boundary; the wire form uses an error code.
	Err error `json:"-"`
}
