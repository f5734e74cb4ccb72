// Package chromem provides an embedded warren.LongTermStore on chromem-go,
// a pure-Go vector database. Each user gets their own collection, so tenant
// isolation holds at the namespace level rather than by filter.
package chromem

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	chromemgo "github.com/philippgille/chromem-go"

	warren "github.com/nevindra/warren"
)

// mergeThreshold is the cosine similarity above which an incoming item
// replaces its nearest existing neighbor instead of adding a new document.
const mergeThreshold = 0.85

// Store implements warren.LongTermStore backed by chromem-go.
type Store struct {
	db     *chromemgo.DB
	logger *slog.Logger

	mu          sync.RWMutex
	collections map[string]*chromemgo.Collection
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates an in-memory Store.
func New(opts ...Option) *Store {
	return newStore(chromemgo.NewDB(), opts...)
}

// Open creates a Store persisted under dir.
func Open(dir string, opts ...Option) (*Store, error) {
	db, err := chromemgo.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("chromem: open %s: %w", dir, err)
	}
	return newStore(db, opts...), nil
}

func newStore(db *chromemgo.DB, opts ...Option) *Store {
	s := &Store{
		db:          db,
		logger:      warren.NopLogger(),
		collections: make(map[string]*chromemgo.Collection),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// collection returns the user's collection, creating it on first use.
func (s *Store) collection(userID string) (*chromemgo.Collection, error) {
	s.mu.RLock()
	col, ok := s.collections[userID]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[userID]; ok {
		return col, nil
	}

	col, err := s.db.GetOrCreateCollection("user_"+userID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: collection for %q: %w", userID, err)
	}
	s.collections[userID] = col
	return col, nil
}

// Upsert stores the item in the user's collection. When the nearest existing
// document exceeds the merge threshold, the item is written under that
// document's ID, replacing it.
func (s *Store) Upsert(ctx context.Context, item warren.MemoryItem) error {
	col, err := s.collection(item.UserID)
	if err != nil {
		return err
	}

	id := item.ID
	if id == "" {
		id = warren.NewID()
	}
	if col.Count() > 0 {
		results, err := col.QueryEmbedding(ctx, item.Embedding, 1, nil, nil)
		if err == nil && len(results) > 0 && results[0].Similarity > mergeThreshold {
			id = results[0].ID
			s.logger.Debug("chromem: merging memory item", "user", item.UserID, "id", id, "similarity", results[0].Similarity)
		}
	}

	doc := chromemgo.Document{
		ID:        id,
		Content:   item.Text,
		Embedding: item.Embedding,
		Metadata: map[string]string{
			"category":   item.Category,
			"session_id": item.SessionID,
			"created_at": strconv.FormatInt(item.CreatedAt, 10),
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("chromem: add document: %w", err)
	}
	return nil
}

// Query returns up to topN of the user's items, most similar first. An
// unknown user or empty collection yields zero results, never an error.
func (s *Store) Query(ctx context.Context, userID string, embedding []float32, topN int) ([]warren.MemoryItem, error) {
	col, err := s.collection(userID)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults greater than the collection size.
	n := topN
	if count := col.Count(); count < n {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: query for %q: %w", userID, err)
	}

	items := make([]warren.MemoryItem, 0, len(results))
	for _, r := range results {
		createdAt, _ := strconv.ParseInt(r.Metadata["created_at"], 10, 64)
		items = append(items, warren.MemoryItem{
			ID:        r.ID,
			UserID:    userID,
			SessionID: r.Metadata["session_id"],
			Text:      r.Content,
			Category:  r.Metadata["category"],
			Score:     r.Similarity,
			CreatedAt: createdAt,
		})
	}
	return items, nil
}

// Close is a no-op; chromem holds its state in memory and flushes
// persistent writes as they happen.
func (s *Store) Close() error { return nil }

// Compile-time interface check.
var _ warren.LongTermStore = (*Store)(nil)
