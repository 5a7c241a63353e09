// Package gateway exposes the bridge to the assistant platform over a thin
// HTTP surface: status, message send, task send, and conversation listing.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/relaycore/errors"
	"github.com/c360/relaycore/health"
)

// Relay is the bridge surface the gateway forwards to
type Relay interface {
	SendMessage(ctx context.Context, conversationID, body string) error
	SendTask(ctx context.Context, conversationID, method string, params any, timeout time.Duration) (json.RawMessage, error)
	Conversations(ctx context.Context) ([]string, error)
	PendingTasks() int
	Address() string
}

// Config holds the gateway listen settings
type Config struct {
	Port            int           `json:"port"`
	CORSOrigins     []string      `json:"cors_origins"`
	MaxRequestBytes int64         `json:"max_request_bytes"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
}

// Validate applies defaults and rejects unusable settings
func (c *Config) Validate() error {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("port %d out of range", c.Port),
			"Config", "Validate", "validate port")
	}
	if c.MaxRequestBytes == 0 {
		c.MaxRequestBytes = 1 << 20
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 60 * time.Second
	}
	return nil
}

// Logger interface for gateway logging
type Logger interface {
	Printf(format string, v ...any)
	Errorf(format string, v ...any)
}

type defaultLogger struct{}

func (l *defaultLogger) Printf(format string, v ...any) {
	log.Printf("[gateway] "+format, v...)
}

func (l *defaultLogger) Errorf(format string, v ...any) {
	log.Printf("[gateway] ERROR: "+format, v...)
}

// Server is the gateway HTTP server
type Server struct {
	cfg     Config
	relay   Relay
	tracker *health.Tracker
	logger  Logger
	started time.Time

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a gateway for the given relay
func NewServer(cfg Config, relay Relay, tracker *health.Tracker, logger Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if relay == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nil relay"),
			"Server", "New", "validate relay")
	}
	if logger == nil {
		logger = &defaultLogger{}
	}
	return &Server{
		cfg:     cfg,
		relay:   relay,
		tracker: tracker,
		logger:  logger,
	}, nil
}

// Handler builds the route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /messages", s.handleSendMessage)
	mux.HandleFunc("POST /tasks", s.handleSendTask)
	mux.HandleFunc("GET /conversations", s.handleConversations)
	return s.withMiddleware(mux)
}

// Start serves until the listener fails or Stop is called. Blocks.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("server already running"),
			"Server", "Start", "server already started")
	}

	s.started = time.Now()
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	server := s.server
	s.mu.Unlock()

	s.logger.Printf("listening on :%d", s.cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.WrapFatal(err, "Server", "Start",
			fmt.Sprintf("serve on port %d", s.cfg.Port))
	}
	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown")
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBytes)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// statusResponse is the GET /status payload
type statusResponse struct {
	Status        health.Status `json:"status"`
	Address       string        `json:"address"`
	PendingTasks  int           `json:"pending_tasks"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Health        health.Report `json:"health"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var report health.Report
	if s.tracker != nil {
		report = s.tracker.Snapshot()
	} else {
		report = health.Report{Status: health.StatusHealthy, Timestamp: time.Now().UTC()}
	}

	uptime := int64(0)
	if !s.started.IsZero() {
		uptime = int64(time.Since(s.started).Seconds())
	}

	s.writeJSON(w, http.StatusOK, statusResponse{
		Status:        report.Status,
		Address:       s.relay.Address(),
		PendingTasks:  s.relay.PendingTasks(),
		UptimeSeconds: uptime,
		Health:        report,
	})
}

type sendMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	Body           string `json:"body"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ConversationID == "" || req.Body == "" {
		s.writeError(w, http.StatusBadRequest, "conversation_id and body are required")
		return
	}

	if err := s.relay.SendMessage(r.Context(), req.ConversationID, req.Body); err != nil {
		s.logger.Errorf("send message to %s: %v", req.ConversationID, err)
		s.writeError(w, mapErrorToHTTPStatus(err), sanitizeError(err))
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

type sendTaskRequest struct {
	ConversationID string          `json:"conversation_id"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	TimeoutMs      int64           `json:"timeout_ms,omitempty"`
}

type sendTaskResponse struct {
	Result json.RawMessage `json:"result"`
}

func (s *Server) handleSendTask(w http.ResponseWriter, r *http.Request) {
	var req sendTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ConversationID == "" || req.Method == "" {
		s.writeError(w, http.StatusBadRequest, "conversation_id and method are required")
		return
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond

	var params any
	if len(req.Params) > 0 {
		params = req.Params
	} else {
		params = map[string]any{}
	}

	result, err := s.relay.SendTask(r.Context(), req.ConversationID, req.Method, params, timeout)
	if err != nil {
		s.logger.Errorf("send task to %s: %v", req.ConversationID, err)
		s.writeError(w, mapErrorToHTTPStatus(err), sanitizeError(err))
		return
	}

	s.writeJSON(w, http.StatusOK, sendTaskResponse{Result: result})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	ids, err := s.relay.Conversations(r.Context())
	if err != nil {
		s.logger.Errorf("list conversations: %v", err)
		s.writeError(w, mapErrorToHTTPStatus(err), sanitizeError(err))
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"conversations": ids})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Errorf("encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// mapErrorToHTTPStatus maps the error taxonomy onto HTTP status codes
func mapErrorToHTTPStatus(err error) int {
	switch {
	case errors.IsTimeout(err):
		return http.StatusGatewayTimeout
	case errors.Is(err, errors.ErrTaskInFlight):
		return http.StatusConflict
	case errors.Is(err, errors.ErrNotConnected),
		errors.Is(err, errors.ErrConnectionLost),
		errors.Is(err, errors.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// sanitizeError produces a message safe to return to callers
func sanitizeError(err error) string {
	switch {
	case errors.IsTimeout(err):
		return "no reply within the deadline"
	case errors.Is(err, errors.ErrTaskInFlight):
		return "a task is already outstanding for this conversation"
	case errors.Is(err, errors.ErrNotConnected), errors.Is(err, errors.ErrConnectionLost):
		return "transport not connected"
	case errors.Is(err, errors.ErrCircuitOpen):
		return "transport temporarily unavailable"
	case errors.IsInvalid(err):
		return "invalid request"
	default:
		return "internal error"
	}
}
