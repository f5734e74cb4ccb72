// Package redis provides a Redis-backed warren.ShortTermStore. Each session
// window lives in one list keyed {user}_{session}; every append pipelines
// RPUSH + LTRIM so the window never exceeds its configured size, and an
// optional TTL lets idle sessions expire on the server.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	warren "github.com/nevindra/warren"
)

// defaultWindow is the number of turns kept per session.
const defaultWindow = 5

// Store is a Redis-backed short-term store.
type Store struct {
	client *goredis.Client
	window int
	ttl    time.Duration // 0 = keys never expire
}

// Option configures a Store.
type Option func(*Store)

// WithWindow sets the turns kept per session (default: 5).
func WithWindow(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.window = n
		}
	}
}

// WithTTL sets a sliding expiry on session keys, refreshed on every append.
// Zero (the default) disables expiry.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// New creates a Store on an existing Redis client.
func New(client *goredis.Client, opts ...Option) *Store {
	s := &Store{client: client, window: defaultWindow}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to addr and returns a Store, verifying the connection.
func Open(ctx context.Context, addr string, opts ...Option) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return New(client, opts...), nil
}

// Append adds a turn to the session window and trims to the window size in
// one pipeline, so the bound holds even under concurrent appenders.
func (s *Store) Append(ctx context.Context, key string, turn warren.Turn) error {
	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("redis: encode turn: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.LTrim(ctx, key, int64(-s.window), -1)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: append %q: %w", key, err)
	}
	return nil
}

// ReadAll returns the window's turns, oldest first.
func (s *Store) ReadAll(ctx context.Context, key string) ([]warren.Turn, error) {
	values, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: lrange %q: %w", key, err)
	}
	turns := make([]warren.Turn, 0, len(values))
	for _, v := range values {
		var t warren.Turn
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return nil, fmt.Errorf("redis: decode turn in %q: %w", key, err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// Flush discards the session window.
func (s *Store) Flush(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis: del %q: %w", key, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error { return s.client.Close() }

// Compile-time interface check.
var _ warren.ShortTermStore = (*Store)(nil)
