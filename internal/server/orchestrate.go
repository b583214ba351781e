package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/270aldo/ngx-orchestrator/internal/envelope"
	"github.com/270aldo/ngx-orchestrator/internal/errs"
	"github.com/270aldo/ngx-orchestrator/internal/jsonx"
)

// orchestrateRequest is the inbound wire shape.
type orchestrateRequest struct {
	ConversationID string            `json:"conversation_id"`
	UserID         string            `json:"user_id"`
	Text           string            `json:"text"`
	Context        map[string]string `json:"context,omitempty"`
	Stream         bool              `json:"stream,omitempty"`
}

// eventChunk is the wire shape of one streamed chunk. Errors travel as a
// kind string, never as a Go error.
type eventChunk struct {
	AgentID   string `json:"agent_id"`
	Sequence  int    `json:"sequence"`
	Delta     string `json:"delta,omitempty"`
	Final     bool   `json:"final"`
	FromCache bool   `json:"from_cache,omitempty"`
	Degraded  bool   `json:"degraded,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

func toEventChunk(c envelope.Chunk) eventChunk {
	ec := eventChunk{
		AgentID:   c.AgentID,
		Sequence:  c.Sequence,
		Delta:     c.Delta,
		Final:     c.Final,
		FromCache: c.FromCache,
		Degraded:  c.Degraded,
	}
	if c.Err != nil {
		ec.ErrorKind = string(errs.KindOf(c.Err))
	}
	return ec
}

func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	var body orchestrateRequest
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed request body"})
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "text is required"})
		return
	}

	req := &envelope.Request{
		ConversationID: body.ConversationID,
		UserID:         body.UserID,
		Text:           body.Text,
		Context:        body.Context,
		Stream:         body.Stream,
		CreatedAt:      time.Now(),
	}
	if uid := userIDFrom(r.Context()); uid != "" {
		req.UserID = uid
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "user_id is required"})
		return
	}

	wantsSSE := body.Stream &&
		(strings.Contains(r.Header.Get("Accept"), "text/event-stream") || r.URL.Query().Get("stream") == "1")
	if wantsSSE {
		s.streamSSE(w, r, req)
		return
	}

	resp, err := s.opts.Orchestrator.Complete(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamSSE relays the chunk stream as server-sent events. Errors that occur
// before the first chunk still map to HTTP status codes; later ones arrive
// as a terminal event.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, req *envelope.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusNotAcceptable, map[string]any{"error": "streaming unsupported"})
		return
	}

	chunks, err := s.opts.Orchestrator.Handle(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range chunks {
		data, err := jsonx.Marshal(toEventChunk(chunk))
		if err != nil {
			s.logger.Error("Failed to encode chunk", zap.Error(err))
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			// Client went away; the orchestrator cleans up on context
			// cancellation.
			return
		}
		flusher.Flush()
	}
}
