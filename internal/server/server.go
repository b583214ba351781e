// Package server exposes the orchestration core over HTTP: a JSON/SSE
// orchestration endpoint, a WebSocket streaming endpoint, health, stats and
// cache administration.
package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/270aldo/ngx-orchestrator/internal/cache"
	"github.com/270aldo/ngx-orchestrator/internal/errs"
	"github.com/270aldo/ngx-orchestrator/internal/jsonx"
	"github.com/270aldo/ngx-orchestrator/internal/metrics"
	"github.com/270aldo/ngx-orchestrator/internal/orchestrator"
	"github.com/270aldo/ngx-orchestrator/internal/registry"
)

// StatsSource is anything that can report a stats block.
type StatsSource interface {
	Stats() map[string]any
}

// Options wires the server's collaborators. Limiter, Cache and Metrics may
// be nil.
type Options struct {
	Orchestrator *orchestrator.Orchestrator
	Registry     *registry.Registry
	Limiter      StatsSource
	Cache        *cache.Manager
	Metrics      *metrics.Metrics
	Logger       *zap.Logger

	// JWTSecret enables bearer-token authentication when non-empty.
	JWTSecret string
	// AllowedOrigins configures CORS; empty allows any origin.
	AllowedOrigins []string
}

// Server is the HTTP surface of the orchestrator.
type Server struct {
	opts   Options
	router *mux.Router
	logger *zap.Logger
}

// New builds the server and its routes.
func New(opts Options) *Server {
	s := &Server{
		opts:   opts,
		router: mux.NewRouter(),
		logger: opts.Logger,
	}

	s.router.Use(s.loggingMiddleware)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if opts.Metrics != nil {
		s.router.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/orchestrate", s.handleOrchestrate).Methods(http.MethodPost)
	api.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	api.HandleFunc("/agents", s.handleAgents).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/cache/invalidate", s.handleInvalidate).Methods(http.MethodPost)

	return s
}

// Handler returns the root handler with CORS applied.
func (s *Server) Handler() http.Handler {
	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type", "Accept"}),
	)(s.router)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": s.opts.Registry.All(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := map[string]any{
		"orchestrator": s.opts.Orchestrator.Stats(),
		"breakers":     s.opts.Orchestrator.Breakers(),
		"registry":     s.opts.Registry.Stats(),
	}
	if s.opts.Limiter != nil {
		stats["ratelimit"] = s.opts.Limiter.Stats()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if s.opts.Cache == nil {
		http.Error(w, "cache disabled", http.StatusNotImplemented)
		return
	}
	var body struct {
		Tag string `json:"tag"`
	}
	if err := decodeBody(r, &body); err != nil || body.Tag == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "tag is required"})
		return
	}
	if err := s.opts.Cache.InvalidateTag(r.Context(), body.Tag); err != nil {
		s.logger.Error("Tag invalidation failed", zap.String("tag", body.Tag), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "invalidation failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invalidated": body.Tag})
}

// errorBody is the wire shape of a failed orchestration.
type errorBody struct {
	Error      string `json:"error"`
	ErrorKind  string `json:"error_kind"`
	RetryAfter int64  `json:"retry_after_ms,omitempty"`
}

// statusOf maps taxonomy kinds to HTTP status codes.
func statusOf(kind errs.Kind) int {
	switch kind {
	case errs.KindRateLimited:
		return http.StatusTooManyRequests
	case errs.KindCircuitOpen:
		return http.StatusServiceUnavailable
	case errs.KindTimeout:
		return http.StatusGatewayTimeout
	case errs.KindAgentError, errs.KindProtocolError, errs.KindAllFailed:
		return http.StatusBadGateway
	case errs.KindNoCandidate:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	body := errorBody{Error: err.Error(), ErrorKind: string(kind)}
	if retry, ok := errs.RetryAfterOf(err); ok {
		body.RetryAfter = retry.Milliseconds()
		w.Header().Set("Retry-After", retryAfterSeconds(retry))
	}
	writeJSON(w, statusOf(kind), body)
}

func retryAfterSeconds(d time.Duration) string {
	secs := int64(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := jsonx.Marshal(v)
	if err != nil {
		http.Error(w, "encoding failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return jsonx.Decode(r.Body, v)
}
