// Package worker is the HTTP surface a worker container exposes to its
// dispatcher: one chat endpoint driving the reasoning agent, and a health
// endpoint that reports agent readiness for the dispatcher's probes.
package worker

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	warren "github.com/nevindra/warren"
	"github.com/nevindra/warren/observer"
)

const maxRequestBodyBytes = 1 << 20 // 1MB

// Server handles the worker's HTTP endpoints.
type Server struct {
	agent  *warren.Agent
	user   string
	logger *slog.Logger
	inst   *observer.Instruments // nil = no metrics
	ready  atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a structured logger. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithInstruments enables turn metrics.
func WithInstruments(inst *observer.Instruments) Option {
	return func(s *Server) { s.inst = inst }
}

// New creates a Server for one user's agent. The server reports unready
// until SetReady is called, so the dispatcher's readiness probe holds off
// until stores and provider are wired.
func New(agent *warren.Agent, user string, opts ...Option) *Server {
	s := &Server{agent: agent, user: user, logger: warren.NopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetReady flips the health endpoint to ready.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Handler returns the worker's HTTP handler:
//
//	POST /chat?user_id=...&session_id=...   body {"message": "..."}
//	GET  /healthz
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Model     string `json:"model"`
	Answer    string `json:"answer"`
	Truncated bool   `json:"truncated,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user_id")
	sessionID := r.URL.Query().Get("session_id")
	if user == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if user != s.user {
		// One container serves exactly one user; a mismatch means a
		// routing bug upstream.
		writeError(w, http.StatusBadRequest, "user_id does not match this worker")
		return
	}
	if sessionID == "" {
		sessionID = "default"
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	start := time.Now()
	answer, err := s.agent.RunTurn(r.Context(), user, sessionID, req.Message)
	if err != nil {
		s.recordTurn(r, user, false, "error", time.Since(start))
		s.logger.Error("turn failed", "user", user, "session", sessionID, "error", err)
		writeTurnError(w, err)
		return
	}
	s.recordTurn(r, user, answer.Truncated, "ok", time.Since(start))

	writeJSON(w, http.StatusOK, chatResponse{
		Model:     answer.Model,
		Answer:    answer.Text,
		Truncated: answer.Truncated,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ok": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) recordTurn(r *http.Request, user string, truncated bool, status string, d time.Duration) {
	if s.inst != nil {
		s.inst.RecordTurn(r.Context(), user, truncated, status, d)
	}
}

// writeTurnError maps agent errors onto HTTP statuses: invalid input is the
// caller's fault, memory store failures are this worker's, and provider
// failures are upstream.
func writeTurnError(w http.ResponseWriter, err error) {
	var badReq *warren.ErrBadRequest
	var memErr *warren.ErrMemoryStore
	var provErr *warren.ErrProvider
	switch {
	case errors.As(err, &badReq):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &memErr):
		writeError(w, http.StatusInternalServerError, err.Error())
	case errors.As(err, &provErr):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
