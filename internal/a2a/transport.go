package a2a

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/270aldo/ngx-orchestrator/internal/envelope"
	"github.com/270aldo/ngx-orchestrator/internal/errs"
)

// ChunkBuffer is the bounded capacity of stream channels. A slow consumer
// backpressures the producer instead of buffering without limit.
const ChunkBuffer = 16

// Agent is the closed capability interface every specialized agent
// implements. The LLM call behind Send/Stream is the agent's concern.
type Agent interface {
	Send(ctx context.Context, req *envelope.Request) (*envelope.Response, error)
	Stream(ctx context.Context, req *envelope.Request) (<-chan envelope.Chunk, error)
	Capabilities() []string
}

// Transport delivers requests to a specific agent. Implementations must
// observe context cancellation: when the orchestrator's deadline fires,
// in-flight calls stop and stream resources are released.
type Transport interface {
	Send(ctx context.Context, agentID string, req *envelope.Request) (*envelope.Response, error)
	OpenStream(ctx context.Context, agentID string, req *envelope.Request) (<-chan envelope.Chunk, error)
}

// LocalTransport dispatches to agents registered in-process. Streams pass
// through the same sequence guard as the remote transport, so a misbehaving
// agent implementation surfaces as a protocol error instead of corrupting
// the caller's stream.
type LocalTransport struct {
	mu     sync.RWMutex
	agents map[string]Agent
	logger *zap.Logger
}

// NewLocalTransport creates an empty in-process transport.
func NewLocalTransport(logger *zap.Logger) *LocalTransport {
	return &LocalTransport{
		agents: make(map[string]Agent),
		logger: logger,
	}
}

// Register adds an agent implementation under the given ID.
func (t *LocalTransport) Register(agentID string, agent Agent) {
	t.mu.Lock()
	t.agents[agentID] = agent
	t.mu.Unlock()
	t.logger.Info("Agent registered on local transport",
		zap.String("agent_id", agentID),
		zap.Strings("capabilities", agent.Capabilities()))
}

func (t *LocalTransport) lookup(agentID string) (Agent, error) {
	t.mu.RLock()
	agent, ok := t.agents[agentID]
	t.mu.RUnlock()
	if !ok {
		return nil, &errs.AgentError{AgentID: agentID, Reason: "agent not registered on transport"}
	}
	return agent, nil
}

// Send implements Transport.
func (t *LocalTransport) Send(ctx context.Context, agentID string, req *envelope.Request) (*envelope.Response, error) {
	agent, err := t.lookup(agentID)
	if err != nil {
		return nil, err
	}
	resp, err := agent.Send(ctx, req)
	if err != nil {
		return nil, sanitize(agentID, err)
	}
	return resp, nil
}

// OpenStream implements Transport.
func (t *LocalTransport) OpenStream(ctx context.Context, agentID string, req *envelope.Request) (<-chan envelope.Chunk, error) {
	agent, err := t.lookup(agentID)
	if err != nil {
		return nil, err
	}
	src, err := agent.Stream(ctx, req)
	if err != nil {
		return nil, sanitize(agentID, err)
	}

	out := make(chan envelope.Chunk, ChunkBuffer)
	go t.forward(ctx, agentID, src, out)
	return out, nil
}

// forward relays chunks from the agent to the caller, validating sequence
// order and watching for cancellation between emissions.
func (t *LocalTransport) forward(ctx context.Context, agentID string, src <-chan envelope.Chunk, out chan<- envelope.Chunk) {
	defer close(out)
	guard := newSequenceGuard(agentID)

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-src:
			if !ok {
				// Agent closed without a terminal chunk; finish the
				// stream for it, as the remote transports do.
				next := 0
				if guard.started {
					next = guard.last + 1
				}
				select {
				case out <- envelope.Chunk{AgentID: agentID, Sequence: next, Final: true}:
				case <-ctx.Done():
				}
				return
			}
			if err := guard.check(chunk.Sequence); err != nil {
				t.logger.Error("Out-of-order chunk, aborting stream",
					zap.String("agent_id", agentID),
					zap.Error(err))
				select {
				case out <- abortChunk(agentID, err):
				case <-ctx.Done():
				}
				return
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.Final {
				return
			}
		}
	}
}

// sanitize wraps an arbitrary downstream error into the taxonomy so raw
// agent errors never reach a caller. Taxonomy errors pass through untouched.
func sanitize(agentID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &errs.Timeout{Scope: "branch"}
	}
	if errs.KindOf(err) != errs.KindInternal {
		return err
	}
	return &errs.AgentError{AgentID: agentID, Reason: err.Error()}
}
