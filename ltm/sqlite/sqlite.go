// Package sqlite provides an embedded warren.LongTermStore on SQLite.
// Embeddings are stored as JSON text and similarity search runs in-process
// with brute-force cosine, which is plenty for single-worker memory sizes.
// Every query and upsert is scoped by user_id.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"

	_ "modernc.org/sqlite"

	warren "github.com/nevindra/warren"
)

// mergeThreshold is the cosine similarity above which an incoming item is
// treated as a rewrite of an existing one instead of a new row.
const mergeThreshold = 0.85

// Store implements warren.LongTermStore backed by SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open opens (or creates) the database at path and ensures the schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// modernc.org/sqlite serializes writes through one connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: warren.NopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS memory_items (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT,
		text TEXT NOT NULL,
		category TEXT NOT NULL,
		embedding TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS memory_items_user_idx ON memory_items (user_id)`)
	if err != nil {
		return fmt.Errorf("sqlite: init schema: %w", err)
	}
	return nil
}

// Upsert inserts the item, or rewrites the user's most similar existing item
// when similarity exceeds the merge threshold. Deduplication never crosses
// user partitions.
func (s *Store) Upsert(ctx context.Context, item warren.MemoryItem) error {
	embJSON, err := serializeEmbedding(item.Embedding)
	if err != nil {
		return fmt.Errorf("sqlite: encode embedding: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding FROM memory_items WHERE user_id = ?`, item.UserID)
	if err != nil {
		return fmt.Errorf("sqlite: upsert scan: %w", err)
	}

	var bestID string
	var bestSim float32
	for rows.Next() {
		var id, embText string
		if err := rows.Scan(&id, &embText); err != nil {
			continue
		}
		existing, parseErr := deserializeEmbedding(embText)
		if parseErr != nil || len(existing) == 0 {
			continue
		}
		if sim := cosineSimilarity(item.Embedding, existing); sim > mergeThreshold && sim > bestSim {
			bestID, bestSim = id, sim
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sqlite: upsert scan: %w", err)
	}

	if bestID != "" {
		_, err = s.db.ExecContext(ctx,
			`UPDATE memory_items SET text=?, category=?, embedding=?, session_id=? WHERE id=? AND user_id=?`,
			item.Text, item.Category, embJSON, item.SessionID, bestID, item.UserID)
		if err != nil {
			return fmt.Errorf("sqlite: merge item: %w", err)
		}
		s.logger.Debug("sqlite: memory item merged", "user", item.UserID, "id", bestID, "similarity", bestSim)
		return nil
	}

	id := item.ID
	if id == "" {
		id = warren.NewID()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memory_items (id, user_id, session_id, text, category, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, item.UserID, item.SessionID, item.Text, item.Category, embJSON, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: insert item: %w", err)
	}
	s.logger.Debug("sqlite: memory item inserted", "user", item.UserID, "id", id)
	return nil
}

// Query returns up to topN of the user's items, most similar first.
func (s *Store) Query(ctx context.Context, userID string, embedding []float32, topN int) ([]warren.MemoryItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, session_id, text, category, embedding, created_at
		 FROM memory_items WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query items: %w", err)
	}
	defer rows.Close()

	var all []warren.MemoryItem
	for rows.Next() {
		var it warren.MemoryItem
		var embText string
		if err := rows.Scan(&it.ID, &it.UserID, &it.SessionID, &it.Text, &it.Category, &embText, &it.CreatedAt); err != nil {
			continue
		}
		emb, parseErr := deserializeEmbedding(embText)
		if parseErr != nil || len(emb) == 0 {
			continue
		}
		it.Score = cosineSimilarity(embedding, emb)
		all = append(all, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: query items: %w", err)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if len(all) > topN {
		all = all[:topN]
	}
	return all, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func serializeEmbedding(emb []float32) (string, error) {
	b, err := json.Marshal(emb)
	return string(b), err
}

func deserializeEmbedding(text string) ([]float32, error) {
	var emb []float32
	err := json.Unmarshal([]byte(text), &emb)
	return emb, err
}

// cosineSimilarity computes cosine similarity between two vectors.
// Returns 0 for mismatched lengths or zero vectors.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// Compile-time interface check.
var _ warren.LongTermStore = (*Store)(nil)
