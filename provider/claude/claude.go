// Package claude implements warren.Provider for Claude-style messages
// models: versioned messages API, content blocks, and native tool use via
// tool_use / tool_result blocks.
package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	warren "github.com/nevindra/warren"
)

const anthropicVersion = "bedrock-2023-05-31"

// Provider invokes a Claude-style model over the model-invocation HTTP API.
type Provider struct {
	apiKey      string
	modelID     string
	baseURL     string
	client      *http.Client
	maxTokens   int
	temperature float64
}

// Option configures a Provider.
type Option func(*Provider)

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

// New creates a Claude-style provider. baseURL is the invocation API base;
// the /model/{modelID}/invoke path is appended automatically.
func New(apiKey, modelID, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:      apiKey,
		modelID:     modelID,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		client:      &http.Client{},
		maxTokens:   1024,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string        { return "claude" }
func (p *Provider) ModelID() string     { return p.modelID }
func (p *Provider) SupportsTools() bool { return true }

type contentBlock struct {
	Type string `json:"type"`

	// type == "text"
	Text string `json:"text,omitempty"`

	// type == "tool_use"
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// type == "tool_result"
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type message struct {
	Role    string         `json:"role"` // "user" or "assistant"
	Content []contentBlock `json:"content"`
}

type toolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type invokeBody struct {
	AnthropicVersion string     `json:"anthropic_version"`
	MaxTokens        int        `json:"max_tokens"`
	Temperature      float64    `json:"temperature"`
	System           string     `json:"system,omitempty"`
	Messages         []message  `json:"messages"`
	Tools            []toolSpec `json:"tools,omitempty"`
}

type invokeResponse struct {
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Chat sends a messages-API request and maps the response back to the
// provider-neutral shape. Tool calls surface as warren.ToolCall values.
func (p *Provider) Chat(ctx context.Context, req warren.ChatRequest) (warren.ChatResponse, error) {
	body := invokeBody{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        p.maxTokens,
		Temperature:      p.temperature,
		Messages:         buildMessages(req.Messages),
		System:           systemText(req.Messages),
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, toolSpec{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return warren.ChatResponse{}, fmt.Errorf("claude: marshal request: %w", err)
	}

	endpoint := p.baseURL + "/model/" + url.PathEscape(p.modelID) + "/invoke"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return warren.ChatResponse{}, fmt.Errorf("claude: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return warren.ChatResponse{}, fmt.Errorf("claude: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return warren.ChatResponse{}, &warren.ErrProvider{
			Provider:   "claude",
			Status:     resp.StatusCode,
			Body:       string(b),
			RetryAfter: warren.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var out invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return warren.ChatResponse{}, fmt.Errorf("claude: decode response: %w", err)
	}

	var chatResp warren.ChatResponse
	chatResp.Usage = warren.Usage{
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
	}
	var text []string
	for _, block := range out.Content {
		switch block.Type {
		case "text":
			text = append(text, block.Text)
		case "tool_use":
			chatResp.ToolCalls = append(chatResp.ToolCalls, warren.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: block.Input,
			})
		}
	}
	chatResp.Content = strings.Join(text, "\n")
	return chatResp, nil
}

// systemText concatenates system messages into the top-level system field.
func systemText(messages []warren.ChatMessage) string {
	var parts []string
	for _, m := range messages {
		if m.Role == "system" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// buildMessages maps the neutral transcript into alternating user/assistant
// messages. Assistant tool calls become tool_use blocks; tool results become
// tool_result blocks inside a user message, as the messages API requires.
func buildMessages(messages []warren.ChatMessage) []message {
	var out []message
	for _, m := range messages {
		switch m.Role {
		case "system":
			// lifted into the system field
		case "user":
			out = append(out, message{Role: "user", Content: []contentBlock{{Type: "text", Text: m.Content}}})
		case "assistant":
			var blocks []contentBlock
			if m.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Args
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, contentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
			out = append(out, message{Role: "assistant", Content: blocks})
		case "tool":
			block := contentBlock{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content}
			// Consecutive tool results fold into one user message.
			if n := len(out); n > 0 && out[n-1].Role == "user" && out[n-1].Content[0].Type == "tool_result" {
				out[n-1].Content = append(out[n-1].Content, block)
			} else {
				out = append(out, message{Role: "user", Content: []contentBlock{block}})
			}
		}
	}
	return out
}

// Compile-time interface check.
var _ warren.Provider = (*Provider)(nil)
