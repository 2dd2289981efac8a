package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/mizuki/agentrelay/internal/audit"
	"github.com/mizuki/agentrelay/internal/config"
	"github.com/mizuki/agentrelay/internal/delivery"
	"github.com/mizuki/agentrelay/internal/observability"
	"github.com/mizuki/agentrelay/internal/router"
	"github.com/mizuki/agentrelay/pkg/relayqueue"
	"github.com/rs/zerolog"
)

// chatRequest is the inbound payload for POST /chat.
type chatRequest struct {
	SessionID string `json:"session_id"`
	Target    string `json:"target"`
	Message   string `json:"message"`
}

// chatResponse echoes the routed reply back to the caller.
type chatResponse struct {
	Reply     string `json:"reply"`
	Target    string `json:"target"`
	SessionID string `json:"session_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server is the HTTP front door. It validates requests, enforces the
// security policy, funnels turns through the delivery queue and records the
// audit trail. The routing core stays fully usable without it.
type Server struct {
	addr       string
	store      *config.Store
	router     *router.Router
	queue      *relayqueue.Queue
	auditLog   *audit.Log
	logger     zerolog.Logger
	httpServer *http.Server
}

// Config holds server configuration.
type Config struct {
	Addr     string
	Store    *config.Store
	Router   *router.Router
	Queue    *relayqueue.Queue
	AuditLog *audit.Log
	Logger   zerolog.Logger
}

// NewServer creates a gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("config store is required")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("delivery queue is required")
	}

	s := &Server{
		addr:     cfg.Addr,
		store:    cfg.Store,
		router:   cfg.Router,
		queue:    cfg.Queue,
		auditLog: cfg.AuditLog,
		logger:   cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", observability.Handler())
	mux.HandleFunc("POST /chat", s.authMiddleware(s.handleChat))

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Start begins serving on the configured address. It returns once the
// listener is bound; serving continues in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.logger.Info().Str("addr", s.addr).Msg("Gateway listening")
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Handler exposes the route mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.Target == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "session_id, target and message are required")
		return
	}

	requestID, _ := gonanoid.New()
	logger := s.logger.With().
		Str("request_id", requestID).
		Str("target", req.Target).
		Str("session_id", req.SessionID).
		Logger()
	logger.Info().Msg("Processing chat request")

	result, err := s.queue.Submit(r.Context(), func(ctx context.Context) (interface{}, error) {
		return s.router.Route(ctx, req.Target, req.SessionID, req.Message)
	})
	if err != nil {
		status := statusForError(err)
		logger.Error().Err(err).Int("status", status).Msg("Chat request failed")
		writeError(w, status, err.Error())
		return
	}

	reply := result.(string)

	if s.auditLog != nil {
		if err := s.auditLog.Append(audit.Record{
			SessionID: req.SessionID,
			Target:    req.Target,
			Message:   req.Message,
			Reply:     reply,
		}); err != nil {
			logger.Error().Err(err).Msg("Failed to append audit record")
		}
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Reply:     reply,
		Target:    req.Target,
		SessionID: req.SessionID,
	})
}

// statusForError maps the routing error taxonomy onto HTTP statuses so
// callers can tell bad input from upstream unavailability.
func statusForError(err error) int {
	var unknownAgent *router.UnknownAgentError
	var deliveryErr *delivery.Error
	var promptErr *config.PromptNotFoundError

	switch {
	case errors.As(err, &unknownAgent):
		return http.StatusBadRequest
	case errors.As(err, &deliveryErr):
		return http.StatusBadGateway
	case errors.Is(err, relayqueue.ErrQueueClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, config.ErrConfigMissing), errors.As(err, &promptErr):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
