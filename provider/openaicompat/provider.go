// Package openaicompat implements warren.Provider for the OSS tool-calling
// family: any endpoint speaking the OpenAI chat completions API with
// function tools (vLLM, Ollama, TGI, llama.cpp server, hosted gateways).
// It also provides the /embeddings client used as warren.EmbeddingProvider.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	warren "github.com/nevindra/warren"
)

// Provider is an OpenAI-compatible chat provider.
type Provider struct {
	apiKey      string
	model       string
	baseURL     string
	client      *http.Client
	name        string
	maxTokens   int
	temperature float64
}

// Option configures a Provider.
type Option func(*Provider)

// WithName overrides the provider name used in errors and logs
// (default "oss").
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithMaxTokens sets max_tokens (default: 1024).
func WithMaxTokens(n int) Option {
	return func(p *Provider) { p.maxTokens = n }
}

// WithTemperature sets the sampling temperature (default: 0.7).
func WithTemperature(t float64) Option {
	return func(p *Provider) { p.temperature = t }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// New creates an OpenAI-compatible provider. baseURL is the API base
// (e.g. "http://localhost:11434/v1"); /chat/completions is appended.
func New(apiKey, model, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:      apiKey,
		model:       model,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		client:      &http.Client{},
		name:        "oss",
		maxTokens:   1024,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string        { return p.name }
func (p *Provider) ModelID() string     { return p.model }
func (p *Provider) SupportsTools() bool { return true }

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type chatBody struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Chat sends a chat completions request. When req.Tools is non-empty the
// response may carry tool calls.
func (p *Provider) Chat(ctx context.Context, req warren.ChatRequest) (warren.ChatResponse, error) {
	body := chatBody{
		Model:       p.model,
		Messages:    buildMessages(req.Messages),
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	}
	for _, t := range req.Tools {
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.Parameters
		body.Tools = append(body.Tools, wt)
	}

	respBody, err := p.post(ctx, "/chat/completions", body)
	if err != nil {
		return warren.ChatResponse{}, err
	}
	defer respBody.Close()

	var out chatResponse
	if err := json.NewDecoder(respBody).Decode(&out); err != nil {
		return warren.ChatResponse{}, fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	if len(out.Choices) == 0 {
		return warren.ChatResponse{}, fmt.Errorf("%s: empty choices", p.name)
	}

	msg := out.Choices[0].Message
	resp := warren.ChatResponse{
		Content: msg.Content,
		Usage: warren.Usage{
			InputTokens:  out.Usage.PromptTokens,
			OutputTokens: out.Usage.CompletionTokens,
		},
	}
	for _, tc := range msg.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		resp.ToolCalls = append(resp.ToolCalls, warren.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return resp, nil
}

// post sends a JSON body and returns the response body on 200, or a typed
// provider error otherwise.
func (p *Provider) post(ctx context.Context, path string, body any) (io.ReadCloser, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &warren.ErrProvider{
			Provider:   p.name,
			Status:     resp.StatusCode,
			Body:       string(b),
			RetryAfter: warren.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

// buildMessages maps the neutral transcript to the wire format. Tool call
// arguments travel as a JSON-encoded string per the completions schema.
func buildMessages(messages []warren.ChatMessage) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			var wt wireToolCall
			wt.ID = tc.ID
			wt.Type = "function"
			wt.Function.Name = tc.Name
			wt.Function.Arguments = string(tc.Args)
			wm.ToolCalls = append(wm.ToolCalls, wt)
		}
		out = append(out, wm)
	}
	return out
}

// Compile-time interface check.
var _ warren.Provider = (*Provider)(nil)
