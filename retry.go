package warren

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// retryProvider wraps a Provider and automatically retries transient
// failures (provider 429/503 and per-call timeouts) with exponential backoff.
type retryProvider struct {
	inner       Provider
	maxAttempts int
	baseDelay   time.Duration
	callTimeout time.Duration // per-attempt deadline; 0 = no limit
	logger      *slog.Logger  // never nil (nopLogger fallback)
}

// RetryOption configures a retryProvider.
type RetryOption func(*retryProvider)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryProvider) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.baseDelay = d }
}

// RetryCallTimeout bounds each individual attempt. An expired attempt is
// reported as a retryable timeout, not a fatal error. The zero value
// (default) disables the per-attempt deadline.
func RetryCallTimeout(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.callTimeout = d }
}

// RetryLogger sets the structured logger for retry events. Retries log at
// WARN and final failures at ERROR. If not set, a no-op logger is used.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryProvider) { r.logger = l }
}

// WithRetry wraps p with automatic retry on transient provider errors.
// Retries use exponential backoff with jitter; when the error carries a
// Retry-After duration, the delay is at least that long. Compose with any
// Provider:
//
//	model = warren.WithRetry(resolved, warren.RetryCallTimeout(30*time.Second))
func WithRetry(p Provider, opts ...RetryOption) Provider {
	r := &retryProvider{
		inner:       p,
		maxAttempts: 3,
		baseDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = NopLogger()
	}
	return r
}

func (r *retryProvider) Name() string        { return r.inner.Name() }
func (r *retryProvider) ModelID() string     { return r.inner.ModelID() }
func (r *retryProvider) SupportsTools() bool { return r.inner.SupportsTools() }

// Chat implements Provider with retry.
func (r *retryProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	var last error
	for i := 0; i < r.maxAttempts; i++ {
		resp, err := r.attempt(ctx, req)
		if err == nil || !IsRetryable(err) {
			return resp, err
		}
		last = err
		r.logger.Warn("retrying transient provider error",
			"provider", r.inner.Name(),
			"attempt", i+1,
			"max_attempts", r.maxAttempts,
			"error", err)
		if i < r.maxAttempts-1 {
			timer := time.NewTimer(retryDelay(r.baseDelay, i, err))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ChatResponse{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	r.logger.Error("all retry attempts exhausted",
		"provider", r.inner.Name(),
		"attempts", r.maxAttempts,
		"error", last)
	return ChatResponse{}, last
}

// attempt runs one call under the per-attempt deadline, converting a
// deadline expiry into a retryable provider timeout.
func (r *retryProvider) attempt(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if r.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
	}
	resp, err := r.inner.Chat(ctx, req)
	if err != nil && r.callTimeout > 0 && errors.Is(err, context.DeadlineExceeded) {
		return ChatResponse{}, &ErrProvider{Provider: r.inner.Name(), Timeout: true}
	}
	return resp, err
}

// retryDelay computes the delay before retry attempt i, using exponential
// backoff as a floor and the provider's Retry-After (if present) as a minimum.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	var pe *ErrProvider
	if errors.As(err, &pe) && pe.RetryAfter > backoff {
		return pe.RetryAfter
	}
	return backoff
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

// compile-time check
var _ Provider = (*retryProvider)(nil)
