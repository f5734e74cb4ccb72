// Package postgres provides a warren.LongTermStore on PostgreSQL with
// pgvector. Similarity search and deduplication run server-side over an
// HNSW cosine index; every statement carries the user_id partition filter.
package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	warren "github.com/nevindra/warren"
)

// mergeThreshold is the cosine similarity above which an incoming item is
// treated as a rewrite of an existing one instead of a new row.
const mergeThreshold = 0.85

// Store implements warren.LongTermStore backed by PostgreSQL + pgvector.
type Store struct {
	pool     *pgxpool.Pool
	ownsPool bool
}

// New creates a Store using an existing pgxpool.Pool and ensures the schema.
// The caller owns the pool and is responsible for closing it.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Open connects to connString and returns a Store.
func Open(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	s, err := New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.ownsPool = true
	return s, nil
}

// init creates the pgvector extension, table, and indexes. Idempotent.
func (s *Store) init(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS memory_items (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT,
			text TEXT NOT NULL,
			category TEXT NOT NULL,
			embedding vector,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS memory_items_user_idx ON memory_items (user_id)`,
		`CREATE INDEX IF NOT EXISTS memory_items_embedding_idx ON memory_items USING hnsw (embedding vector_cosine_ops)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init schema: %w", err)
		}
	}
	return nil
}

// Upsert inserts the item, or rewrites the user's most similar existing item
// when cosine similarity exceeds the merge threshold. The similarity probe
// is restricted to the item's user partition.
func (s *Store) Upsert(ctx context.Context, item warren.MemoryItem) error {
	embStr := serializeEmbedding(item.Embedding)

	var bestID string
	var bestScore float32
	found := false

	rows, err := s.pool.Query(ctx,
		`SELECT id, 1 - (embedding <=> $1::vector) AS score
		 FROM memory_items
		 WHERE user_id = $2 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $1::vector
		 LIMIT 1`,
		embStr, item.UserID)
	if err != nil {
		return fmt.Errorf("postgres: upsert probe: %w", err)
	}
	if rows.Next() {
		if err := rows.Scan(&bestID, &bestScore); err == nil && bestScore > mergeThreshold {
			found = true
		}
	}
	rows.Close()

	if found {
		_, err := s.pool.Exec(ctx,
			`UPDATE memory_items SET text=$1, category=$2, embedding=$3::vector, session_id=$4
			 WHERE id=$5 AND user_id=$6`,
			item.Text, item.Category, embStr, item.SessionID, bestID, item.UserID)
		if err != nil {
			return fmt.Errorf("postgres: merge item: %w", err)
		}
		return nil
	}

	id := item.ID
	if id == "" {
		id = warren.NewID()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO memory_items (id, user_id, session_id, text, category, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::vector, $7)`,
		id, item.UserID, item.SessionID, item.Text, item.Category, embStr, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert item: %w", err)
	}
	return nil
}

// Query returns up to topN of the user's items, most similar first.
func (s *Store) Query(ctx context.Context, userID string, embedding []float32, topN int) ([]warren.MemoryItem, error) {
	embStr := serializeEmbedding(embedding)
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, session_id, text, category, created_at,
		        1 - (embedding <=> $1::vector) AS score
		 FROM memory_items
		 WHERE user_id = $2 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $1::vector
		 LIMIT $3`,
		embStr, userID, topN)
	if err != nil {
		return nil, fmt.Errorf("postgres: query items: %w", err)
	}
	defer rows.Close()

	var items []warren.MemoryItem
	for rows.Next() {
		var it warren.MemoryItem
		if err := rows.Scan(&it.ID, &it.UserID, &it.SessionID, &it.Text, &it.Category, &it.CreatedAt, &it.Score); err != nil {
			return nil, fmt.Errorf("postgres: scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Close releases the pool when the Store created it via Open.
func (s *Store) Close() error {
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}

// serializeEmbedding renders the pgvector text literal "[x,y,...]".
func serializeEmbedding(emb []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range emb {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// Compile-time interface check.
var _ warren.LongTermStore = (*Store)(nil)
