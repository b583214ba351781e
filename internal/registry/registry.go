// Package registry holds the directory of specialized agents: their
// capabilities, priorities, fallback text and live health status. The set of
// agents is fixed at startup; only status mutates at runtime.
package registry

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/270aldo/ngx-orchestrator/internal/envelope"
)

// Manifest is the on-disk agent configuration.
type Manifest struct {
	Agents []envelope.AgentDescriptor `yaml:"agents"`
}

// Registry is the agent directory. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*envelope.AgentDescriptor
	logger *zap.Logger
}

// New creates a registry from a list of descriptors. Agents with no declared
// status start Online.
func New(descriptors []envelope.AgentDescriptor, logger *zap.Logger) (*Registry, error) {
	r := &Registry{
		agents: make(map[string]*envelope.AgentDescriptor, len(descriptors)),
		logger: logger,
	}
	for i := range descriptors {
		d := descriptors[i]
		if d.ID == "" {
			return nil, fmt.Errorf("agent descriptor %d has no id", i)
		}
		if _, dup := r.agents[d.ID]; dup {
			return nil, fmt.Errorf("duplicate agent id %q", d.ID)
		}
		if d.Status == "" {
			d.Status = envelope.StatusOnline
		}
		if !d.Status.Valid() {
			return nil, fmt.Errorf("agent %q has invalid status %q", d.ID, d.Status)
		}
		r.agents[d.ID] = &d
	}
	logger.Info("Agent registry initialized", zap.Int("agents", len(r.agents)))
	return r, nil
}

// Load reads an agent manifest from a YAML file.
func Load(path string, logger *zap.Logger) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse agent manifest: %w", err)
	}
	return New(m.Agents, logger)
}

// Get returns a copy of the descriptor for the given agent.
func (r *Registry) Get(agentID string) (envelope.AgentDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.agents[agentID]
	if !ok {
		return envelope.AgentDescriptor{}, false
	}
	return *d, true
}

// All returns copies of every descriptor, ordered by priority then ID.
func (r *Registry) All() []envelope.AgentDescriptor {
	r.mu.RLock()
	out := make([]envelope.AgentDescriptor, 0, len(r.agents))
	for _, d := range r.agents {
		out = append(out, *d)
	}
	r.mu.RUnlock()
	sortDescriptors(out)
	return out
}

// Resolve returns the agents declaring the given capability tag, Offline
// agents excluded. Online agents come first ordered by priority then lexical
// ID; Degraded agents follow in the same order and are used by the
// orchestrator only when no Online agent is available.
func (r *Registry) Resolve(capability string) []envelope.AgentDescriptor {
	r.mu.RLock()
	var online, degraded []envelope.AgentDescriptor
	for _, d := range r.agents {
		if !d.HasCapability(capability) {
			continue
		}
		switch d.Status {
		case envelope.StatusOnline:
			online = append(online, *d)
		case envelope.StatusDegraded:
			degraded = append(degraded, *d)
		}
	}
	r.mu.RUnlock()

	sortDescriptors(online)
	sortDescriptors(degraded)
	return append(online, degraded...)
}

// UpdateStatus mutates the health status of one agent. Unknown agents are
// ignored; the health feed may race a restart.
func (r *Registry) UpdateStatus(agentID string, status envelope.AgentStatus) {
	if !status.Valid() {
		r.logger.Warn("Ignoring invalid agent status",
			zap.String("agent_id", agentID),
			zap.String("status", string(status)))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.agents[agentID]
	if !ok {
		r.logger.Warn("Health update for unknown agent", zap.String("agent_id", agentID))
		return
	}
	if d.Status != status {
		r.logger.Info("Agent status changed",
			zap.String("agent_id", agentID),
			zap.String("from", string(d.Status)),
			zap.String("to", string(status)))
	}
	d.Status = status
}

// Stats returns a status summary for the stats endpoint.
func (r *Registry) Stats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byStatus := map[string]int{}
	for _, d := range r.agents {
		byStatus[string(d.Status)]++
	}
	return map[string]any{
		"total":     len(r.agents),
		"by_status": byStatus,
	}
}

// sortDescriptors orders by priority (lower first), ties broken by lexical
// agent ID for reproducible candidate order.
func sortDescriptors(ds []envelope.AgentDescriptor) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].Priority != ds[j].Priority {
			return ds[i].Priority < ds[j].Priority
		}
		return ds[i].ID < ds[j].ID
	})
}
