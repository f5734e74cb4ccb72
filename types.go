package warren

import "encoding/json"

// --- Domain types ---

// Turn is one half of a request/response pair in a session. Immutable once
// written; ordered by arrival within a session.
type Turn struct {
	Role      string `json:"role"` // "human" or "assistant"
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// MemoryItem is a compact fact or preference extracted from a turn, stored
// with its embedding in a per-user long-term memory partition.
type MemoryItem struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Category  string    `json:"category"`
	Embedding []float32 `json:"-"`
	Score     float32   `json:"score,omitempty"`
	CreatedAt int64     `json:"created_at"`
}

// --- Model protocol types ---

type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a structured function call emitted by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type ChatRequest struct {
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- Turn answer ---

// Answer is the outcome of one reasoning-loop turn.
type Answer struct {
	Text      string `json:"answer"`
	Model     string `json:"model"`
	Truncated bool   `json:"truncated,omitempty"` // step budget exhausted
	Usage     Usage  `json:"-"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
