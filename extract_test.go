package warren

import (
	"context"
	"sync"
	"testing"
)

func TestParseExtractedItems(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
		want    []string
	}{
		{
			"plain array",
			`[{"text":"prefers dark mode","category":"preference"}]`,
			[]string{"prefers dark mode"},
		},
		{
			"fenced json",
			"```json\n[{\"text\":\"lives in Berlin\",\"category\":\"fact\"}]\n```",
			[]string{"lives in Berlin"},
		},
		{
			"bare fence",
			"```\n[{\"text\":\"wants to learn Go\",\"category\":\"goal\"}]\n```",
			[]string{"wants to learn Go"},
		},
		{
			"prose around array",
			`Here is what I found: [{"text":"vegetarian","category":"fact"}] hope that helps`,
			[]string{"vegetarian"},
		},
		{"empty array", `[]`, nil},
		{"no array at all", `nothing durable here`, nil},
		{"invalid json", `[{"text": unquoted}]`, nil},
		{
			"blank text skipped",
			`[{"text":"  ","category":"fact"},{"text":"real","category":"fact"}]`,
			[]string{"real"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			items := parseExtractedItems(tc.content)
			if len(items) != len(tc.want) {
				t.Fatalf("got %d items, want %d", len(items), len(tc.want))
			}
			for i, w := range tc.want {
				if items[i].Text != w {
					t.Errorf("item %d = %q, want %q", i, items[i].Text, w)
				}
			}
		})
	}
}

func TestShouldExtract(t *testing.T) {
	for _, tc := range []struct {
		text string
		want bool
	}{
		{"hi", false},
		{"hello!", false},
		{"thank you", false},
		{"ok", false},
		{"/calc 2+2", false},
		{"short", false},
		{"I am vegetarian and live in Berlin", true},
		{"remember that my name is Alice", true},
	} {
		if got := shouldExtract(tc.text); got != tc.want {
			t.Errorf("shouldExtract(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

// memLTM is an in-memory LongTermStore recording upserts.
type memLTM struct {
	mu    sync.Mutex
	items []MemoryItem
}

func (m *memLTM) Upsert(_ context.Context, item MemoryItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, item)
	return nil
}

func (m *memLTM) Query(_ context.Context, userID string, _ []float32, topN int) ([]MemoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MemoryItem
	for _, it := range m.items {
		if it.UserID == userID {
			out = append(out, it)
		}
	}
	if len(out) > topN {
		out = out[:topN]
	}
	return out, nil
}

func (m *memLTM) Close() error { return nil }

var _ LongTermStore = (*memLTM)(nil)

// stubEmbedding returns a fixed vector per input.
type stubEmbedding struct{}

func (stubEmbedding) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (stubEmbedding) Dimensions() int { return 3 }
func (stubEmbedding) Name() string    { return "stub-embedding" }

var _ EmbeddingProvider = stubEmbedding{}

func TestExtractQueue_ProcessesJob(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: `[{"text":"likes espresso","category":"preference"}]`}},
	}}
	store := &memLTM{}
	q := newExtractQueue(stub, stubEmbedding{}, store, NopLogger())

	q.submit(extractJob{
		user:          "alice",
		sessionID:     "s1",
		userText:      "I really like espresso in the morning",
		assistantText: "Noted!",
	})
	q.close()

	if len(store.items) != 1 {
		t.Fatalf("got %d stored items, want 1", len(store.items))
	}
	item := store.items[0]
	if item.Text != "likes espresso" {
		t.Errorf("got text %q, want %q", item.Text, "likes espresso")
	}
	if item.UserID != "alice" || item.SessionID != "s1" {
		t.Errorf("got user/session %q/%q, want alice/s1", item.UserID, item.SessionID)
	}
	if item.ID == "" || item.CreatedAt == 0 || len(item.Embedding) == 0 {
		t.Errorf("item missing generated fields: %+v", item)
	}
	if item.Category != "preference" {
		t.Errorf("got category %q, want preference", item.Category)
	}
}

func TestExtractQueue_SkipsTrivialExchanges(t *testing.T) {
	stub := &stubProvider{}
	store := &memLTM{}
	q := newExtractQueue(stub, stubEmbedding{}, store, NopLogger())

	q.submit(extractJob{user: "alice", sessionID: "s1", userText: "hi", assistantText: "Hello!"})
	q.close()

	if stub.callCount() != 0 {
		t.Errorf("got %d model calls, want 0", stub.callCount())
	}
	if len(store.items) != 0 {
		t.Errorf("got %d stored items, want 0", len(store.items))
	}
}
