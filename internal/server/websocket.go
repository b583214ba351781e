package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/270aldo/ngx-orchestrator/internal/envelope"
	"github.com/270aldo/ngx-orchestrator/internal/errs"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin policy is enforced by the CORS layer in front.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebSocket serves orchestration over a WebSocket: each client text
// message is one orchestrate request, answered by a sequence of chunk
// frames ending with a final one.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	authUser := userIDFrom(r.Context())
	for {
		var body orchestrateRequest
		if err := conn.ReadJSON(&body); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("WebSocket closed unexpectedly", zap.Error(err))
			}
			return
		}

		req := &envelope.Request{
			ConversationID: body.ConversationID,
			UserID:         body.UserID,
			Text:           body.Text,
			Context:        body.Context,
			Stream:         true,
			CreatedAt:      time.Now(),
		}
		if authUser != "" {
			req.UserID = authUser
		}

		chunks, err := s.opts.Orchestrator.Handle(r.Context(), req)
		if err != nil {
			if werr := s.writeWS(conn, eventChunk{Final: true, ErrorKind: string(errs.KindOf(err))}); werr != nil {
				return
			}
			continue
		}
		for chunk := range chunks {
			if werr := s.writeWS(conn, toEventChunk(chunk)); werr != nil {
				// Drain so the relay goroutine can finish.
				for range chunks {
				}
				return
			}
		}
	}
}

func (s *Server) writeWS(conn *websocket.Conn, ec eventChunk) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(ec)
}
