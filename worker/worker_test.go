package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	warren "github.com/nevindra/warren"
)

// stubProvider answers every chat with a fixed string or error.
type stubProvider struct {
	content string
	err     error
}

func (s *stubProvider) Name() string        { return "stub" }
func (s *stubProvider) ModelID() string     { return "stub-model" }
func (s *stubProvider) SupportsTools() bool { return false }

func (s *stubProvider) Chat(context.Context, warren.ChatRequest) (warren.ChatResponse, error) {
	if s.err != nil {
		return warren.ChatResponse{}, s.err
	}
	return warren.ChatResponse{Content: s.content}, nil
}

var _ warren.Provider = (*stubProvider)(nil)

// memStore is a minimal in-memory short-term store.
type memStore struct {
	mu    sync.Mutex
	turns map[string][]warren.Turn
}

func newMemStore() *memStore { return &memStore{turns: make(map[string][]warren.Turn)} }

func (m *memStore) Append(_ context.Context, key string, turn warren.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[key] = append(m.turns[key], turn)
	return nil
}

func (m *memStore) ReadAll(_ context.Context, key string) ([]warren.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]warren.Turn(nil), m.turns[key]...), nil
}

func (m *memStore) Flush(_ context.Context, key string) error { return nil }
func (m *memStore) Close() error                              { return nil }

var _ warren.ShortTermStore = (*memStore)(nil)

func newTestServer(t *testing.T, provider warren.Provider) *httptest.Server {
	t.Helper()
	agent := warren.NewAgent(provider, newMemStore())
	t.Cleanup(agent.Close)
	srv := New(agent, "alice")
	srv.SetReady(true)
	server := httptest.NewServer(srv.Handler())
	t.Cleanup(server.Close)
	return server
}

func postChat(t *testing.T, server *httptest.Server, query, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(server.URL+"/chat?"+query, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestHandleChat(t *testing.T) {
	server := newTestServer(t, &stubProvider{content: "hi there"})

	status, body := postChat(t, server, "user_id=alice&session_id=s1", `{"message":"hello"}`)
	if status != http.StatusOK {
		t.Fatalf("got status %d: %s", status, body)
	}
	var resp chatResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Answer != "hi there" {
		t.Errorf("got answer %q", resp.Answer)
	}
	if resp.Model != "stub-model" {
		t.Errorf("got model %q", resp.Model)
	}
	if resp.Truncated {
		t.Error("answer should not be truncated")
	}
}

func TestHandleChat_UserMismatch(t *testing.T) {
	server := newTestServer(t, &stubProvider{content: "hi"})

	status, body := postChat(t, server, "user_id=bob", `{"message":"hello"}`)
	if status != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", status)
	}
	if !strings.Contains(body, "does not match") {
		t.Errorf("got body %q", body)
	}
}

func TestHandleChat_MissingUser(t *testing.T) {
	server := newTestServer(t, &stubProvider{content: "hi"})

	status, _ := postChat(t, server, "", `{"message":"hello"}`)
	if status != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", status)
	}
}

func TestHandleChat_EmptyMessage(t *testing.T) {
	server := newTestServer(t, &stubProvider{content: "hi"})

	status, _ := postChat(t, server, "user_id=alice", `{"message":"  "}`)
	if status != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", status)
	}
}

func TestHandleChat_ProviderFailure(t *testing.T) {
	server := newTestServer(t, &stubProvider{err: &warren.ErrProvider{Provider: "stub", Status: 500, Body: "boom"}})

	status, _ := postChat(t, server, "user_id=alice", `{"message":"hello"}`)
	if status != http.StatusBadGateway {
		t.Errorf("got status %d, want 502 for an upstream model failure", status)
	}
}

func TestHandleChat_MemoryFailure(t *testing.T) {
	agent := warren.NewAgent(&stubProvider{content: "hi"}, failingStore{})
	t.Cleanup(agent.Close)
	srv := New(agent, "alice")
	srv.SetReady(true)
	server := httptest.NewServer(srv.Handler())
	t.Cleanup(server.Close)

	status, _ := postChat(t, server, "user_id=alice", `{"message":"hello"}`)
	if status != http.StatusInternalServerError {
		t.Errorf("got status %d, want 500 for a memory store failure", status)
	}
}

// failingStore fails every operation.
type failingStore struct{}

func (failingStore) Append(context.Context, string, warren.Turn) error { return errors.New("down") }
func (failingStore) ReadAll(context.Context, string) ([]warren.Turn, error) {
	return nil, errors.New("down")
}
func (failingStore) Flush(context.Context, string) error { return nil }
func (failingStore) Close() error                        { return nil }

func TestHealthz_Readiness(t *testing.T) {
	agent := warren.NewAgent(&stubProvider{content: "hi"}, newMemStore())
	t.Cleanup(agent.Close)
	srv := New(agent, "alice")
	server := httptest.NewServer(srv.Handler())
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("got status %d before SetReady, want 503", resp.StatusCode)
	}
	if string(b) != `{"ok":false}` {
		t.Errorf("got body %q before SetReady, want %q", b, `{"ok":false}`)
	}

	srv.SetReady(true)
	resp, err = http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	b, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("got status %d after SetReady, want 200", resp.StatusCode)
	}
	if string(b) != `{"ok":true}` {
		t.Errorf("got body %q after SetReady, want %q", b, `{"ok":true}`)
	}
}
