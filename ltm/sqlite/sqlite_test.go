package sqlite

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	warren "github.com/nevindra/warren"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func item(user, text string, emb []float32) warren.MemoryItem {
	return warren.MemoryItem{
		UserID:    user,
		SessionID: "s1",
		Text:      text,
		Category:  "fact",
		Embedding: emb,
		CreatedAt: 100,
	}
}

func TestUpsertAndQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Upsert(ctx, item("alice", "lives in Berlin", []float32{1, 0, 0})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Upsert(ctx, item("alice", "prefers tea", []float32{0, 1, 0})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := store.Query(ctx, "alice", []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d items, want 2", len(got))
	}
	if got[0].Text != "lives in Berlin" {
		t.Errorf("got %q first, want the most similar item", got[0].Text)
	}
	if got[0].Score <= got[1].Score {
		t.Errorf("scores not descending: %v, %v", got[0].Score, got[1].Score)
	}
}

func TestQuery_UserIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Upsert(ctx, item("alice", "alice's secret", []float32{1, 0, 0})); err != nil {
		t.Fatal(err)
	}

	got, err := store.Query(ctx, "bob", []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("bob's query returned %d of alice's items, want 0", len(got))
	}
}

func TestUpsert_MergesNearDuplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Upsert(ctx, item("alice", "likes coffee", []float32{1, 0, 0})); err != nil {
		t.Fatal(err)
	}
	// Nearly identical embedding: cosine similarity well above the threshold.
	if err := store.Upsert(ctx, item("alice", "likes espresso coffee", []float32{0.99, 0.01, 0})); err != nil {
		t.Fatal(err)
	}

	got, err := store.Query(ctx, "alice", []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d items, want 1 merged item", len(got))
	}
	if got[0].Text != "likes espresso coffee" {
		t.Errorf("got %q, want the newer text after merge", got[0].Text)
	}
}

func TestUpsert_MergeDoesNotCrossUsers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Upsert(ctx, item("alice", "likes coffee", []float32{1, 0, 0})); err != nil {
		t.Fatal(err)
	}
	if err := store.Upsert(ctx, item("bob", "likes coffee", []float32{1, 0, 0})); err != nil {
		t.Fatal(err)
	}

	aliceItems, err := store.Query(ctx, "alice", []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatal(err)
	}
	bobItems, err := store.Query(ctx, "bob", []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(aliceItems) != 1 || len(bobItems) != 1 {
		t.Errorf("got alice=%d bob=%d items, want 1 each", len(aliceItems), len(bobItems))
	}
}

func TestQuery_TopNLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	embeddings := [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	texts := []string{"first", "second", "third"}
	for i := range embeddings {
		if err := store.Upsert(ctx, item("alice", texts[i], embeddings[i])); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.Query(ctx, "alice", []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d items, want topN of 2", len(got))
	}
}

func TestCosineSimilarity(t *testing.T) {
	for _, tc := range []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"mismatched lengths", []float32{1, 0}, []float32{1, 0, 0}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := cosineSimilarity(tc.a, tc.b)
			if math.Abs(float64(got-tc.want)) > 1e-6 {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}
