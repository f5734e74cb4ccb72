package warren

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrBadRequest reports malformed routing input (missing or non-URL-safe
// user/session identifiers, empty message). Maps to a 400 at the edge.
type ErrBadRequest struct {
	Field  string
	Reason string
}

func (e *ErrBadRequest) Error() string {
	return fmt.Sprintf("bad request: %s: %s", e.Field, e.Reason)
}

// ErrWorkerUnavailable reports that no healthy worker could be resolved for
// a user: provisioning failed, the readiness probe timed out, or the worker
// is being restarted. Retryable by the caller.
type ErrWorkerUnavailable struct {
	User   string
	Reason string
}

func (e *ErrWorkerUnavailable) Error() string {
	return fmt.Sprintf("worker unavailable for %q: %s", e.User, e.Reason)
}

// ErrUnsupportedModelFamily reports a model ID whose prefix matches no known
// family. A configuration error — fatal until the config is fixed.
type ErrUnsupportedModelFamily struct {
	ModelID string
}

func (e *ErrUnsupportedModelFamily) Error() string {
	return "unsupported model family: " + e.ModelID
}

// ErrProvider reports a model invocation failure. Status carries the
// provider's HTTP status when one exists; Timeout marks per-call deadline
// expiry. Both 429/503 and timeouts are retryable within the loop's bounded
// retry policy.
type ErrProvider struct {
	Provider   string
	Status     int
	Body       string
	Timeout    bool
	RetryAfter time.Duration
}

func (e *ErrProvider) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: call timed out", e.Provider)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Body)
}

// Retryable reports whether the failure is transient.
func (e *ErrProvider) Retryable() bool {
	return e.Timeout || e.Status == 429 || e.Status == 503
}

// ErrUnknownTool reports a model-emitted tool call whose name is not in the
// registry. The loop fails closed on it rather than guessing.
type ErrUnknownTool struct {
	Name string
}

func (e *ErrUnknownTool) Error() string { return "unknown tool: " + e.Name }

// ErrToolArgs reports arguments that failed validation against the tool's
// declared schema. Distinguishable from a tool-internal failure so the loop
// can retry once with corrected arguments.
type ErrToolArgs struct {
	Tool   string
	Reason string
}

func (e *ErrToolArgs) Error() string {
	return fmt.Sprintf("tool %s: invalid arguments: %s", e.Tool, e.Reason)
}

// ErrMemoryStore reports a short-term store failure. STM is load-bearing for
// context, so this aborts the turn; it is never masked as a generic failure.
type ErrMemoryStore struct {
	Op  string
	Key string
	Err error
}

func (e *ErrMemoryStore) Error() string {
	return fmt.Sprintf("memory store: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *ErrMemoryStore) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient provider failure worth
// retrying. Used by the retry middleware.
func IsRetryable(err error) bool {
	var pe *ErrProvider
	return errors.As(err, &pe) && pe.Retryable()
}

// ParseRetryAfter parses an HTTP Retry-After header value, either
// delta-seconds or an HTTP date. Returns 0 when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
