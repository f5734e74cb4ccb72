package warren

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// stubProvider returns pre-configured responses in order.
type stubProvider struct {
	mu      sync.Mutex
	calls   int
	results []stubResult
	tools   bool
}

type stubResult struct {
	resp ChatResponse
	err  error
}

func (s *stubProvider) Name() string        { return "stub" }
func (s *stubProvider) ModelID() string     { return "stub-model" }
func (s *stubProvider) SupportsTools() bool { return s.tools }

func (s *stubProvider) Chat(_ context.Context, _ ChatRequest) (ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.results) {
		return s.results[i].resp, s.results[i].err
	}
	return ChatResponse{Content: "done"}, nil
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var _ Provider = (*stubProvider)(nil)

// memStore is an in-memory ShortTermStore with a FIFO window.
type memStore struct {
	mu      sync.Mutex
	window  int
	turns   map[string][]Turn
	failOps map[string]error // op name -> forced error
}

func newMemStore(window int) *memStore {
	return &memStore{window: window, turns: make(map[string][]Turn), failOps: make(map[string]error)}
}

func (m *memStore) Append(_ context.Context, key string, turn Turn) error {
	if err := m.failOps["append"]; err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	turns := append(m.turns[key], turn)
	if len(turns) > m.window {
		turns = turns[len(turns)-m.window:]
	}
	m.turns[key] = turns
	return nil
}

func (m *memStore) ReadAll(_ context.Context, key string) ([]Turn, error) {
	if err := m.failOps["read"]; err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Turn(nil), m.turns[key]...), nil
}

func (m *memStore) Flush(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.turns, key)
	return nil
}

func (m *memStore) Close() error { return nil }

var _ ShortTermStore = (*memStore)(nil)

// echoTool is a single-function tool that records executions.
type echoTool struct {
	mu    sync.Mutex
	calls []string
}

func (e *echoTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{
		Name:        "echo",
		Description: "Echo the input back.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
	}}
}

func (e *echoTool) Execute(_ context.Context, _ string, args json.RawMessage) (ToolResult, error) {
	var params struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	e.mu.Lock()
	e.calls = append(e.calls, params.Text)
	e.mu.Unlock()
	return ToolResult{Content: "echo: " + params.Text}, nil
}

var _ Tool = (*echoTool)(nil)

// calcStubTool evaluates nothing; it returns a fixed result so the fast
// path can be asserted without the real calculator.
type calcStubTool struct{ result string }

func (c *calcStubTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{
		Name:       "calculator",
		Parameters: json.RawMessage(`{"type":"object","properties":{"expression":{"type":"string"}},"required":["expression"]}`),
	}}
}

func (c *calcStubTool) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: c.result}, nil
}

func TestRunTurn_FinalAnswer(t *testing.T) {
	stub := &stubProvider{results: []stubResult{{resp: ChatResponse{Content: "hi there"}}}}
	stm := newMemStore(5)
	agent := NewAgent(stub, stm)

	answer, err := agent.RunTurn(context.Background(), "alice", "s1", "hello world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer.Text != "hi there" {
		t.Errorf("got %q, want %q", answer.Text, "hi there")
	}
	if answer.Model != "stub-model" {
		t.Errorf("got model %q, want stub-model", answer.Model)
	}
	if answer.Truncated {
		t.Error("answer should not be truncated")
	}

	turns := stm.turns[SessionKey("alice", "s1")]
	if len(turns) != 2 {
		t.Fatalf("got %d recorded turns, want 2", len(turns))
	}
	if turns[0].Role != RoleHuman || turns[0].Text != "hello world" {
		t.Errorf("first turn = %+v, want human/hello world", turns[0])
	}
	if turns[1].Role != RoleAssistant || turns[1].Text != "hi there" {
		t.Errorf("second turn = %+v, want assistant/hi there", turns[1])
	}
}

func TestRunTurn_SlashFastPathSkipsModel(t *testing.T) {
	stub := &stubProvider{}
	stm := newMemStore(5)
	agent := NewAgent(stub, stm,
		WithTools(&calcStubTool{result: "14"}),
		WithSlashCommands(SlashCommand{Prefix: "/calc", Tool: "calculator", Param: "expression"}),
	)

	answer, err := agent.RunTurn(context.Background(), "alice", "s1", "/calc 2*(3+4)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer.Text != "14" {
		t.Errorf("got %q, want %q", answer.Text, "14")
	}
	if stub.callCount() != 0 {
		t.Errorf("model was invoked %d times, want 0", stub.callCount())
	}
	if len(stm.turns[SessionKey("alice", "s1")]) != 2 {
		t.Error("fast path should still record the turn")
	}
}

func TestRunTurn_SlashUnknownTool(t *testing.T) {
	stub := &stubProvider{}
	agent := NewAgent(stub, newMemStore(5),
		WithSlashCommands(SlashCommand{Prefix: "/calc", Tool: "calculator", Param: "expression"}),
	)

	answer, err := agent.RunTurn(context.Background(), "alice", "s1", "/calc 1+1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(answer.Text, "not available") {
		t.Errorf("got %q, want a tool-not-available answer", answer.Text)
	}
	if stub.callCount() != 0 {
		t.Error("model should not be invoked")
	}
}

func TestRunTurn_ToolLoop(t *testing.T) {
	args, _ := json.Marshal(map[string]string{"text": "ping"})
	stub := &stubProvider{
		tools: true,
		results: []stubResult{
			{resp: ChatResponse{ToolCalls: []ToolCall{{ID: "t1", Name: "echo", Args: args}}}},
			{resp: ChatResponse{Content: "pong"}},
		},
	}
	tool := &echoTool{}
	agent := NewAgent(stub, newMemStore(5), WithTools(tool))

	answer, err := agent.RunTurn(context.Background(), "alice", "s1", "please echo ping")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer.Text != "pong" {
		t.Errorf("got %q, want %q", answer.Text, "pong")
	}
	if len(tool.calls) != 1 || tool.calls[0] != "ping" {
		t.Errorf("tool calls = %v, want [ping]", tool.calls)
	}
	if stub.callCount() != 2 {
		t.Errorf("got %d model calls, want 2", stub.callCount())
	}
}

func TestRunTurn_StepBudgetTruncates(t *testing.T) {
	args, _ := json.Marshal(map[string]string{"text": "again"})
	// Every response asks for another tool call, so the loop can never
	// converge and must stop at the budget.
	endless := stubResult{resp: ChatResponse{
		Content:   "thinking",
		ToolCalls: []ToolCall{{ID: "t", Name: "echo", Args: args}},
	}}
	results := make([]stubResult, 10)
	for i := range results {
		results[i] = endless
	}
	stub := &stubProvider{tools: true, results: results}
	agent := NewAgent(stub, newMemStore(5), WithTools(&echoTool{}), WithMaxSteps(3))

	answer, err := agent.RunTurn(context.Background(), "alice", "s1", "loop forever")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !answer.Truncated {
		t.Error("answer should be flagged truncated")
	}
	if stub.callCount() != 3 {
		t.Errorf("got %d model calls, want 3", stub.callCount())
	}
}

func TestRunTurn_UnknownToolFailsClosed(t *testing.T) {
	args := json.RawMessage(`{"x":1}`)
	stub := &stubProvider{
		tools: true,
		results: []stubResult{
			{resp: ChatResponse{ToolCalls: []ToolCall{{ID: "t1", Name: "launch_rocket", Args: args}}}},
		},
	}
	agent := NewAgent(stub, newMemStore(5), WithTools(&echoTool{}))

	answer, err := agent.RunTurn(context.Background(), "alice", "s1", "do something")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(answer.Text, "launch_rocket") {
		t.Errorf("got %q, want mention of the unknown tool", answer.Text)
	}
	if stub.callCount() != 1 {
		t.Errorf("got %d model calls, want 1 (no retry after unknown tool)", stub.callCount())
	}
}

func TestRunTurn_BadArgsRetriedOnce(t *testing.T) {
	good, _ := json.Marshal(map[string]string{"text": "fixed"})
	stub := &stubProvider{
		tools: true,
		results: []stubResult{
			{resp: ChatResponse{ToolCalls: []ToolCall{{ID: "t1", Name: "echo", Args: json.RawMessage(`{}`)}}}},
			{resp: ChatResponse{ToolCalls: []ToolCall{{ID: "t2", Name: "echo", Args: good}}}},
			{resp: ChatResponse{Content: "recovered"}},
		},
	}
	tool := &echoTool{}
	agent := NewAgent(stub, newMemStore(5), WithTools(tool))

	answer, err := agent.RunTurn(context.Background(), "alice", "s1", "echo with bad args first")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer.Text != "recovered" {
		t.Errorf("got %q, want %q", answer.Text, "recovered")
	}
	if len(tool.calls) != 1 || tool.calls[0] != "fixed" {
		t.Errorf("tool calls = %v, want [fixed]", tool.calls)
	}
}

func TestRunTurn_STMAppendFailureIsFatal(t *testing.T) {
	stub := &stubProvider{results: []stubResult{{resp: ChatResponse{Content: "hi"}}}}
	stm := newMemStore(5)
	stm.failOps["append"] = errors.New("redis down")
	agent := NewAgent(stub, stm)

	_, err := agent.RunTurn(context.Background(), "alice", "s1", "hello")
	var memErr *ErrMemoryStore
	if !errors.As(err, &memErr) {
		t.Fatalf("got %v, want *ErrMemoryStore", err)
	}
	if memErr.Op != "append" {
		t.Errorf("got op %q, want append", memErr.Op)
	}
}

func TestRunTurn_STMReadFailureIsFatal(t *testing.T) {
	stub := &stubProvider{}
	stm := newMemStore(5)
	stm.failOps["read"] = errors.New("redis down")
	agent := NewAgent(stub, stm)

	_, err := agent.RunTurn(context.Background(), "alice", "s1", "hello")
	var memErr *ErrMemoryStore
	if !errors.As(err, &memErr) {
		t.Fatalf("got %v, want *ErrMemoryStore", err)
	}
	if stub.callCount() != 0 {
		t.Error("model should not be invoked when history is unreadable")
	}
}

func TestRunTurn_EmptyMessageRejected(t *testing.T) {
	agent := NewAgent(&stubProvider{}, newMemStore(5))

	_, err := agent.RunTurn(context.Background(), "alice", "s1", "   ")
	var badReq *ErrBadRequest
	if !errors.As(err, &badReq) {
		t.Fatalf("got %v, want *ErrBadRequest", err)
	}
}

func TestRunTurn_HistoryIncludedInPrompt(t *testing.T) {
	var captured []ChatMessage
	stub := &capturingProvider{content: "ok", capture: &captured}
	stm := newMemStore(5)
	key := SessionKey("alice", "s1")
	stm.turns[key] = []Turn{
		{Role: RoleHuman, Text: "earlier question"},
		{Role: RoleAssistant, Text: "earlier answer"},
	}
	agent := NewAgent(stub, stm)

	if _, err := agent.RunTurn(context.Background(), "alice", "s1", "follow-up"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(captured) != 3 {
		t.Fatalf("got %d messages, want 3 (history + current)", len(captured))
	}
	if captured[0].Content != "earlier question" || captured[1].Content != "earlier answer" {
		t.Errorf("history not carried: %+v", captured[:2])
	}
	if captured[2].Content != "follow-up" {
		t.Errorf("got %q, want current message last", captured[2].Content)
	}
}

// capturingProvider records the messages of its last request.
type capturingProvider struct {
	content string
	capture *[]ChatMessage
}

func (c *capturingProvider) Name() string        { return "capturing" }
func (c *capturingProvider) ModelID() string     { return "capturing-model" }
func (c *capturingProvider) SupportsTools() bool { return false }

func (c *capturingProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	*c.capture = append([]ChatMessage(nil), req.Messages...)
	return ChatResponse{Content: c.content}, nil
}

func TestTruncateStr(t *testing.T) {
	long := strings.Repeat("x", 100)
	got := truncateStr(long, 10)
	if !strings.HasPrefix(got, "xxxxxxxxxx") || len(got) <= 10 {
		t.Errorf("truncateStr did not truncate with marker: %q", got)
	}
	if truncateStr("short", 10) != "short" {
		t.Error("short strings must pass through unchanged")
	}
}

func TestSessionKey(t *testing.T) {
	for _, tc := range []struct {
		user, session, want string
	}{
		{"alice", "s1", "alice_s1"},
		{"u-2", "default", "u-2_default"},
	} {
		if got := SessionKey(tc.user, tc.session); got != tc.want {
			t.Errorf("SessionKey(%q, %q) = %q, want %q", tc.user, tc.session, got, tc.want)
		}
	}
}

func TestRunTurn_ProviderErrorPropagates(t *testing.T) {
	provErr := &ErrProvider{Provider: "stub", Status: 500, Body: "boom"}
	stub := &stubProvider{results: []stubResult{{err: provErr}}}
	stm := newMemStore(5)
	agent := NewAgent(stub, stm)

	_, err := agent.RunTurn(context.Background(), "alice", "s1", "hello")
	var pe *ErrProvider
	if !errors.As(err, &pe) {
		t.Fatalf("got %v, want *ErrProvider", err)
	}
	if len(stm.turns) != 0 {
		t.Error("failed turn must not be recorded")
	}
}

// slowProvider answers after a delay, or fails early if its context is
// cancelled first.
type slowProvider struct {
	delay time.Duration
}

func (s *slowProvider) Name() string        { return "slow" }
func (s *slowProvider) ModelID() string     { return "slow-model" }
func (s *slowProvider) SupportsTools() bool { return false }

func (s *slowProvider) Chat(ctx context.Context, _ ChatRequest) (ChatResponse, error) {
	select {
	case <-time.After(s.delay):
		return ChatResponse{Content: "done"}, nil
	case <-ctx.Done():
		return ChatResponse{}, ctx.Err()
	}
}

var _ Provider = (*slowProvider)(nil)

func TestRunTurn_FinishesAfterCallerHangsUp(t *testing.T) {
	stm := newMemStore(5)
	agent := NewAgent(&slowProvider{delay: 100 * time.Millisecond}, stm)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	answer, err := agent.RunTurn(ctx, "alice", "s1", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer.Text != "done" {
		t.Errorf("got %q, want the in-flight call's answer", answer.Text)
	}
	turns, err := stm.ReadAll(context.Background(), SessionKey("alice", "s1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 {
		t.Errorf("got %d recorded turns, want 2", len(turns))
	}
}
