package registry

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/270aldo/ngx-orchestrator/internal/envelope"
	"github.com/270aldo/ngx-orchestrator/internal/jsonx"
)

// DefaultHealthSubject is the NATS subject the health-check collaborator
// publishes agent status updates on.
const DefaultHealthSubject = "ngx.health.agents"

// healthUpdate is the wire form of one health feed event.
type healthUpdate struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

// SubscribeHealth wires the registry to the external health-check feed. Each
// message mutates one agent's status. The caller owns the subscription and
// should drain it on shutdown.
func (r *Registry) SubscribeHealth(conn *nats.Conn, subject string) (*nats.Subscription, error) {
	if subject == "" {
		subject = DefaultHealthSubject
	}

	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		var u healthUpdate
		if err := jsonx.Unmarshal(msg.Data, &u); err != nil {
			r.logger.Warn("Malformed health update", zap.Error(err))
			return
		}
		r.UpdateStatus(u.AgentID, envelope.AgentStatus(u.Status))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to health feed: %w", err)
	}

	r.logger.Info("Subscribed to agent health feed", zap.String("subject", subject))
	return sub, nil
}
