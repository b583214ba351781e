package a2a

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/270aldo/ngx-orchestrator/internal/envelope"
	"github.com/270aldo/ngx-orchestrator/internal/errs"
	"github.com/270aldo/ngx-orchestrator/internal/jsonx"
)

const (
	subjectPrefix = "ngx.a2a."

	// streamIdleTimeout bounds how long a stream consumer waits for the
	// next chunk before treating the agent as gone.
	streamIdleTimeout = 60 * time.Second
)

func sendSubject(agentID string) string   { return subjectPrefix + agentID + ".send" }
func streamSubject(agentID string) string { return subjectPrefix + agentID + ".stream" }

// NATSTransport reaches agents hosted in other processes over NATS. Unary
// calls use request/reply; streams use a per-call inbox subject the agent
// publishes sequence-numbered messages to.
type NATSTransport struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// NewNATSTransport creates a transport over an established connection.
func NewNATSTransport(conn *nats.Conn, logger *zap.Logger) *NATSTransport {
	return &NATSTransport{conn: conn, logger: logger}
}

// Send implements Transport.
func (t *NATSTransport) Send(ctx context.Context, agentID string, req *envelope.Request) (*envelope.Response, error) {
	msg, err := marshalRequest(agentID, req)
	if err != nil {
		return nil, err
	}

	reply, err := t.conn.RequestWithContext(ctx, sendSubject(agentID), msg)
	if err != nil {
		return nil, sanitize(agentID, err)
	}

	var m Message
	if err := jsonx.Unmarshal(reply.Data, &m); err != nil {
		return nil, &errs.Protocol{MessageID: "", Detail: "malformed reply envelope"}
	}
	if m.ErrorCode != "" {
		return nil, &errs.AgentError{AgentID: agentID, Code: m.ErrorCode, Reason: "agent reported failure"}
	}
	var resp envelope.Response
	if err := jsonx.Unmarshal(m.Payload, &resp); err != nil {
		return nil, &errs.Protocol{MessageID: m.MessageID, Detail: "malformed response payload"}
	}
	return &resp, nil
}

// OpenStream implements Transport.
func (t *NATSTransport) OpenStream(ctx context.Context, agentID string, req *envelope.Request) (<-chan envelope.Chunk, error) {
	msg, err := marshalRequest(agentID, req)
	if err != nil {
		return nil, err
	}

	inbox := nats.NewInbox()
	raw := make(chan *nats.Msg, ChunkBuffer)
	sub, err := t.conn.ChanSubscribe(inbox, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to stream inbox: %w", err)
	}

	if err := t.conn.PublishRequest(streamSubject(agentID), inbox, msg); err != nil {
		sub.Unsubscribe()
		return nil, sanitize(agentID, err)
	}

	out := make(chan envelope.Chunk, ChunkBuffer)
	go t.consume(ctx, agentID, sub, raw, out)
	return out, nil
}

// consume turns inbox messages into validated chunks. The subscription is
// always released, whether the stream completes, aborts or is canceled.
func (t *NATSTransport) consume(ctx context.Context, agentID string, sub *nats.Subscription, raw <-chan *nats.Msg, out chan<- envelope.Chunk) {
	defer sub.Unsubscribe()
	defer close(out)

	var guard *sequenceGuard
	idle := time.NewTimer(streamIdleTimeout)
	defer idle.Stop()

	abort := func(err error) {
		select {
		case out <- abortChunk(agentID, err):
		case <-ctx.Done():
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
			abort(&errs.Timeout{Scope: "branch", Limit: streamIdleTimeout})
			return
		case natsMsg := <-raw:
			idle.Reset(streamIdleTimeout)

			var m Message
			if err := jsonx.Unmarshal(natsMsg.Data, &m); err != nil {
				abort(&errs.Protocol{Detail: "malformed stream envelope"})
				return
			}
			if guard == nil {
				guard = newSequenceGuard(m.MessageID)
			}
			if err := guard.check(m.Sequence); err != nil {
				t.logger.Error("Out-of-order chunk, aborting stream",
					zap.String("agent_id", agentID),
					zap.String("message_id", m.MessageID),
					zap.Error(err))
				abort(err)
				return
			}
			if m.ErrorCode != "" {
				abort(&errs.AgentError{AgentID: agentID, Code: m.ErrorCode, Reason: "agent aborted stream"})
				return
			}

			var delta string
			if len(m.Payload) > 0 {
				if err := jsonx.Unmarshal(m.Payload, &delta); err != nil {
					abort(&errs.Protocol{MessageID: m.MessageID, Detail: "malformed chunk payload"})
					return
				}
			}
			chunk := envelope.Chunk{
				AgentID:  agentID,
				Sequence: m.Sequence,
				Delta:    delta,
				Final:    m.IsFinal,
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
			if m.IsFinal {
				return
			}
		}
	}
}

func marshalRequest(agentID string, req *envelope.Request) ([]byte, error) {
	payload, err := jsonx.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return jsonx.Marshal(Message{
		MessageID: uuid.NewString(),
		AgentID:   agentID,
		Payload:   payload,
	})
}

// ServeAgent hosts an agent implementation on NATS, answering the send and
// stream subjects for its ID. Returned subscriptions should be drained on
// shutdown.
func ServeAgent(conn *nats.Conn, agentID string, agent Agent, logger *zap.Logger) ([]*nats.Subscription, error) {
	unary, err := conn.Subscribe(sendSubject(agentID), func(msg *nats.Msg) {
		go serveUnary(conn, agentID, agent, msg, logger)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe agent %s: %w", agentID, err)
	}

	stream, err := conn.Subscribe(streamSubject(agentID), func(msg *nats.Msg) {
		go serveStream(conn, agentID, agent, msg, logger)
	})
	if err != nil {
		unary.Unsubscribe()
		return nil, fmt.Errorf("failed to subscribe agent %s stream: %w", agentID, err)
	}

	logger.Info("Agent serving on NATS", zap.String("agent_id", agentID))
	return []*nats.Subscription{unary, stream}, nil
}

func serveUnary(conn *nats.Conn, agentID string, agent Agent, msg *nats.Msg, logger *zap.Logger) {
	var m Message
	if err := jsonx.Unmarshal(msg.Data, &m); err != nil {
		logger.Warn("Malformed unary request", zap.Error(err))
		return
	}
	var req envelope.Request
	if err := jsonx.Unmarshal(m.Payload, &req); err != nil {
		respondError(conn, msg.Reply, m.MessageID, agentID, "bad_request")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	resp, err := agent.Send(ctx, &req)
	if err != nil {
		logger.Warn("Agent send failed", zap.String("agent_id", agentID), zap.Error(err))
		respondError(conn, msg.Reply, m.MessageID, agentID, string(errs.KindOf(err)))
		return
	}

	payload, err := jsonx.Marshal(resp)
	if err != nil {
		respondError(conn, msg.Reply, m.MessageID, agentID, "internal")
		return
	}
	reply, _ := jsonx.Marshal(Message{
		MessageID: m.MessageID,
		AgentID:   agentID,
		Payload:   payload,
		IsFinal:   true,
	})
	conn.Publish(msg.Reply, reply)
}

func serveStream(conn *nats.Conn, agentID string, agent Agent, msg *nats.Msg, logger *zap.Logger) {
	var m Message
	if err := jsonx.Unmarshal(msg.Data, &m); err != nil || msg.Reply == "" {
		logger.Warn("Malformed stream request", zap.Error(err))
		return
	}
	var req envelope.Request
	if err := jsonx.Unmarshal(m.Payload, &req); err != nil {
		publishChunk(conn, msg.Reply, Message{MessageID: m.MessageID, AgentID: agentID, ErrorCode: "bad_request", IsFinal: true})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	chunks, err := agent.Stream(ctx, &req)
	if err != nil {
		publishChunk(conn, msg.Reply, Message{MessageID: m.MessageID, AgentID: agentID, ErrorCode: string(errs.KindOf(err)), IsFinal: true})
		return
	}

	seq := 0
	for chunk := range chunks {
		delta, err := jsonx.Marshal(chunk.Delta)
		if err != nil {
			continue
		}
		publishChunk(conn, msg.Reply, Message{
			MessageID: m.MessageID,
			AgentID:   agentID,
			Payload:   delta,
			Sequence:  seq,
			IsFinal:   chunk.Final,
		})
		if chunk.Final {
			return
		}
		seq++
	}
	// Producer closed without a terminal chunk; finish the stream for it.
	publishChunk(conn, msg.Reply, Message{MessageID: m.MessageID, AgentID: agentID, Sequence: seq, IsFinal: true})
}

func publishChunk(conn *nats.Conn, subject string, m Message) {
	data, err := jsonx.Marshal(m)
	if err != nil {
		return
	}
	conn.Publish(subject, data)
}

func respondError(conn *nats.Conn, reply, messageID, agentID, code string) {
	if reply == "" {
		return
	}
	data, _ := jsonx.Marshal(Message{
		MessageID: messageID,
		AgentID:   agentID,
		ErrorCode: code,
		IsFinal:   true,
	})
	conn.Publish(reply, data)
}
