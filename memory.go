package warren

import "context"

// ShortTermStore keeps the K most recent turns per session. Append is the
// only mutation: every append that would exceed the window evicts the oldest
// entry first (FIFO trim). Keys are namespaced per (user, session) — see
// SessionKey — so cross-tenant access is structurally impossible.
//
// STM is load-bearing for conversation context: implementations must report
// failures, and callers treat an append failure as fatal to the turn.
type ShortTermStore interface {
	// Append adds a turn to the session window, trimming to the configured
	// window size.
	Append(ctx context.Context, key string, turn Turn) error
	// ReadAll returns the window's turns in arrival order (oldest first).
	ReadAll(ctx context.Context, key string) ([]Turn, error)
	// Flush discards the session window.
	Flush(ctx context.Context, key string) error
	Close() error
}

// LongTermStore keeps extracted memory items per user, queried by semantic
// similarity. The partition key is always the user: an item written under
// one user must never be returned by a query scoped to another. LTM is
// best-effort enrichment; failures are logged, never fatal to a turn.
type LongTermStore interface {
	// Upsert stores an item under item.UserID, deduplicating against
	// near-identical existing items where the backend supports it.
	Upsert(ctx context.Context, item MemoryItem) error
	// Query returns up to topN items for the user, most similar first.
	Query(ctx context.Context, userID string, embedding []float32, topN int) ([]MemoryItem, error)
	Close() error
}

// SessionKey builds the short-term store key for a (user, session) pair.
// Format: {user}_{session_id}.
func SessionKey(user, sessionID string) string {
	return user + "_" + sessionID
}
