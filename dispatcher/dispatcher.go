package dispatcher

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	warren "github.com/nevindra/warren"
	"github.com/nevindra/warren/provider/resolve"
)

const maxRequestBodyBytes = 1 << 20 // 1MB

// Dispatcher is the HTTP edge: it validates routing input, resolves the
// user's worker through the Manager, and relays the worker's response
// verbatim.
type Dispatcher struct {
	manager  *Manager
	client   *http.Client
	logger   *slog.Logger
	modelErr error // set when the configured model belongs to no known family
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets a structured logger. If not set, no logs are
// emitted.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithModelID declares the model ID the dispatcher's workers run with. The
// family is checked once here: an unsupported model would otherwise exit
// the worker at boot and burn the readiness timeout, so each chat request
// fails fast with the typed error instead of a retryable 503.
func WithModelID(id string) DispatcherOption {
	return func(d *Dispatcher) { d.modelErr = resolve.CheckModelID(id) }
}

// WithRelayTimeout bounds one relayed chat request end to end
// (default: 120s, generous because a turn may run several model calls).
func WithRelayTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.client.Timeout = t }
}

// New creates a Dispatcher over a Manager.
func New(manager *Manager, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		manager: manager,
		client:  &http.Client{Timeout: 120 * time.Second},
		logger:  warren.NopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handler returns the dispatcher's HTTP handler:
//
//	POST /u/{user}/chat?session_id=...   body {"message": "..."}
//	GET  /healthz
func (d *Dispatcher) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /u/{user}/chat", d.handleChat)
	mux.HandleFunc("GET /healthz", handleHealth)
	return mux
}

type chatRequest struct {
	Message string `json:"message"`
}

func (d *Dispatcher) handleChat(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = "default"
	}

	if err := validateIdentifier("user", user); err != nil {
		writeTypedError(w, err)
		return
	}
	if err := validateIdentifier("session_id", sessionID); err != nil {
		writeTypedError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		writeTypedError(w, &warren.ErrBadRequest{Field: "body", Reason: "unreadable"})
		return
	}
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeTypedError(w, &warren.ErrBadRequest{Field: "body", Reason: "invalid JSON: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeTypedError(w, &warren.ErrBadRequest{Field: "message", Reason: "must not be empty"})
		return
	}

	if d.modelErr != nil {
		writeTypedError(w, d.modelErr)
		return
	}

	baseURL, err := d.manager.Endpoint(r.Context(), user)
	if err != nil {
		d.logger.Warn("worker resolution failed", "user", user, "error", err)
		writeTypedError(w, err)
		return
	}

	d.relay(w, r, baseURL, user, sessionID, body)
}

// relay forwards the chat request to the worker and copies the worker's
// status and body back verbatim.
func (d *Dispatcher) relay(w http.ResponseWriter, r *http.Request, baseURL, user, sessionID string, body []byte) {
	target := baseURL + "/chat?user_id=" + user + "&session_id=" + sessionID
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "relay setup failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("worker relay failed", "user", user, "error", err)
		writeTypedError(w, &warren.ErrWorkerUnavailable{User: user, Reason: "relay failed: " + err.Error()})
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		d.logger.Warn("relay copy interrupted", "user", user, "error", err)
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// validateIdentifier enforces URL-safe user and session identifiers.
func validateIdentifier(field, value string) error {
	if value == "" {
		return &warren.ErrBadRequest{Field: field, Reason: "must not be empty"}
	}
	if len(value) > 128 {
		return &warren.ErrBadRequest{Field: field, Reason: "too long"}
	}
	for _, c := range value {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return &warren.ErrBadRequest{Field: field, Reason: "must contain only letters, digits, '-', '_', '.'"}
		}
	}
	return nil
}

// writeTypedError maps the error taxonomy onto HTTP statuses. An
// unsupported model family is a configuration error and never retryable.
func writeTypedError(w http.ResponseWriter, err error) {
	var badReq *warren.ErrBadRequest
	var unavailable *warren.ErrWorkerUnavailable
	var unsupported *warren.ErrUnsupportedModelFamily
	switch {
	case errors.As(err, &badReq):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &unavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &unsupported):
		writeError(w, http.StatusNotImplemented, err.Error())
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
