// Package a2a implements agent-to-agent messaging: the wire envelope, the
// transport contract between orchestrator and agents, an in-process
// transport and a NATS transport for cross-process deployments.
package a2a

import (
	"encoding/json"

	"github.com/270aldo/ngx-orchestrator/internal/envelope"
	"github.com/270aldo/ngx-orchestrator/internal/errs"
)

// Message is the cross-process wire envelope. For unary exchanges the
// payload holds a JSON request or response; for streams each message carries
// one chunk's delta with Sequence/IsFinal set and the last message of a
// failed stream carries ErrorCode.
type Message struct {
	MessageID string          `json:"message_id"`
	AgentID   string          `json:"agent_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Sequence  int             `json:"sequence"`
	IsFinal   bool            `json:"is_final"`
	ErrorCode string          `json:"error_code,omitempty"`
}

// sequenceGuard enforces strictly increasing chunk sequence numbers within
// one stream. Out-of-order delivery is rejected rather than reordered; it
// indicates a transport or agent bug.
type sequenceGuard struct {
	messageID string
	last      int
	started   bool
}

func newSequenceGuard(messageID string) *sequenceGuard {
	return &sequenceGuard{messageID: messageID}
}

func (g *sequenceGuard) check(sequence int) error {
	if g.started && sequence <= g.last {
		return &errs.Protocol{
			MessageID: g.messageID,
			Expected:  g.last + 1,
			Got:       sequence,
		}
	}
	g.started = true
	g.last = sequence
	return nil
}

// abortChunk builds the terminal chunk of a failed stream.
func abortChunk(agentID string, err error) envelope.Chunk {
	return envelope.Chunk{AgentID: agentID, Final: true, Err: err}
}
