package a2a

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/270aldo/ngx-orchestrator/internal/envelope"
	"github.com/270aldo/ngx-orchestrator/internal/errs"
	"github.com/270aldo/ngx-orchestrator/internal/jsonx"
)

// HTTPAgentConfig configures one upstream agent service.
type HTTPAgentConfig struct {
	AgentID      string
	Endpoint     string
	Capabilities []string
	Timeout      time.Duration
}

// HTTPAgent implements Agent against an upstream agent service speaking
// JSON over HTTP: a unary generate call plus a newline-delimited streaming
// variant. The LLM behind the service is its own concern.
type HTTPAgent struct {
	cfg    HTTPAgentConfig
	client *http.Client
	logger *zap.Logger
}

// NewHTTPAgent creates an HTTP-backed agent adapter.
func NewHTTPAgent(cfg HTTPAgentConfig, logger *zap.Logger) *HTTPAgent {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &HTTPAgent{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// Capabilities implements Agent.
func (a *HTTPAgent) Capabilities() []string {
	return a.cfg.Capabilities
}

// generateRequest is the upstream wire request.
type generateRequest struct {
	ConversationID string            `json:"conversation_id"`
	UserID         string            `json:"user_id"`
	Text           string            `json:"text"`
	Context        map[string]string `json:"context,omitempty"`
	Stream         bool              `json:"stream,omitempty"`
}

// generateResponse is the upstream unary wire response.
type generateResponse struct {
	Text       string            `json:"text"`
	Confidence float64           `json:"confidence,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// streamLine is one newline-delimited event of the upstream stream.
type streamLine struct {
	Delta string `json:"delta,omitempty"`
	Final bool   `json:"final,omitempty"`
	Error string `json:"error,omitempty"`
}

// Send implements Agent.
func (a *HTTPAgent) Send(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
	started := time.Now()
	resp, err := a.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		a.logger.Warn("Agent service returned error",
			zap.String("agent_id", a.cfg.AgentID),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body))
		return nil, &errs.AgentError{
			AgentID: a.cfg.AgentID,
			Code:    fmt.Sprintf("http_%d", resp.StatusCode),
			Reason:  "upstream agent service error",
		}
	}

	var gr generateResponse
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errs.AgentError{AgentID: a.cfg.AgentID, Reason: "failed to read agent response"}
	}
	if err := jsonx.Unmarshal(body, &gr); err != nil {
		return nil, &errs.AgentError{AgentID: a.cfg.AgentID, Reason: "malformed agent response"}
	}

	return &envelope.Response{
		AgentID:    a.cfg.AgentID,
		Text:       gr.Text,
		Confidence: gr.Confidence,
		Metadata:   gr.Metadata,
		LatencyMS:  time.Since(started).Milliseconds(),
	}, nil
}

// Stream implements Agent. Chunks are emitted with locally assigned,
// strictly increasing sequence numbers; the body is released when the
// context is canceled or the stream ends.
func (a *HTTPAgent) Stream(ctx context.Context, req *envelope.Request) (<-chan envelope.Chunk, error) {
	resp, err := a.do(ctx, req, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &errs.AgentError{
			AgentID: a.cfg.AgentID,
			Code:    fmt.Sprintf("http_%d", resp.StatusCode),
			Reason:  "upstream agent service error",
		}
	}

	out := make(chan envelope.Chunk, ChunkBuffer)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		seq := 0
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var sl streamLine
			if err := jsonx.Unmarshal(line, &sl); err != nil {
				out <- abortChunk(a.cfg.AgentID, &errs.Protocol{Detail: "malformed stream line"})
				return
			}
			if sl.Error != "" {
				out <- abortChunk(a.cfg.AgentID, &errs.AgentError{AgentID: a.cfg.AgentID, Code: sl.Error, Reason: "agent aborted stream"})
				return
			}

			chunk := envelope.Chunk{
				AgentID:  a.cfg.AgentID,
				Sequence: seq,
				Delta:    sl.Delta,
				Final:    sl.Final,
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
			if sl.Final {
				return
			}
			seq++
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			out <- abortChunk(a.cfg.AgentID, &errs.AgentError{AgentID: a.cfg.AgentID, Reason: "stream interrupted"})
			return
		}
		// Upstream closed without a terminal line; emit one.
		out <- envelope.Chunk{AgentID: a.cfg.AgentID, Sequence: seq, Final: true}
	}()
	return out, nil
}

func (a *HTTPAgent) do(ctx context.Context, req *envelope.Request, stream bool) (*http.Response, error) {
	body, err := jsonx.Marshal(generateRequest{
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Text:           req.Text,
		Context:        req.Context,
		Stream:         stream,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal agent request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build agent request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, sanitize(a.cfg.AgentID, err)
	}
	return resp, nil
}
