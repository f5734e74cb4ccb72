// Package titan implements warren.Provider for the Amazon Titan text
// family. Titan takes a single flattened prompt (inputText) rather than a
// message list, and has no native tool calling, so SupportsTools reports
// false and the reasoning loop runs it text-only.
package titan

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

// Provider invokes a Titan text model over the model-invocation HTTP API.
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

// WithMaxTokens sets maxTokenCount in the generation config (default: 1024).
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

// New creates a Titan text provider. baseURL is the invocation API base;
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

func (p *Provider) Name() string        { return "titan" }
func (p *Provider) ModelID() string     { return p.modelID }
func (p *Provider) SupportsTools() bool { return false }

type generationConfig struct {
	MaxTokenCount int      `json:"maxTokenCount"`
	Temperature   float64  `json:"temperature"`
	StopSequences []string `json:"stopSequences,omitempty"`
}

type invokeBody struct {
	InputText            string           `json:"inputText"`
	TextGenerationConfig generationConfig `json:"textGenerationConfig"`
}

type invokeResponse struct {
	InputTextTokenCount int `json:"inputTextTokenCount"`
	Results             []struct {
		TokenCount int    `json:"tokenCount"`
		OutputText string `json:"outputText"`
	} `json:"results"`
}

// Chat flattens the message list into Titan's single-prompt shape and
// invokes the model. Tool definitions in req are ignored.
func (p *Provider) Chat(ctx context.Context, req warren.ChatRequest) (warren.ChatResponse, error) {
	body := invokeBody{
		InputText: flattenPrompt(req.Messages),
		TextGenerationConfig: generationConfig{
			MaxTokenCount: p.maxTokens,
			Temperature:   p.temperature,
			StopSequences: []string{"User:"},
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return warren.ChatResponse{}, fmt.Errorf("titan: marshal request: %w", err)
	}

	endpoint := p.baseURL + "/model/" + url.PathEscape(p.modelID) + "/invoke"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return warren.ChatResponse{}, fmt.Errorf("titan: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return warren.ChatResponse{}, fmt.Errorf("titan: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return warren.ChatResponse{}, &warren.ErrProvider{
			Provider:   "titan",
			Status:     resp.StatusCode,
			Body:       string(b),
			RetryAfter: warren.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var out invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return warren.ChatResponse{}, fmt.Errorf("titan: decode response: %w", err)
	}
	if len(out.Results) == 0 {
		return warren.ChatResponse{}, fmt.Errorf("titan: empty results")
	}

	return warren.ChatResponse{
		Content: strings.TrimSpace(out.Results[0].OutputText),
		Usage: warren.Usage{
			InputTokens:  out.InputTextTokenCount,
			OutputTokens: out.Results[0].TokenCount,
		},
	}, nil
}

// flattenPrompt renders the message list as a User:/Bot: transcript, system
// context first, ending with the cue for the model's turn.
func flattenPrompt(messages []warren.ChatMessage) string {
	var b strings.Builder
	for _, m := range messages {
		switch m.Role {
		case "system":
			b.WriteString(m.Content + "\n\n")
		case "user":
			b.WriteString("User: " + m.Content + "\n")
		case "assistant":
			b.WriteString("Bot: " + m.Content + "\n")
		}
	}
	b.WriteString("Bot:")
	return b.String()
}

// Compile-time interface check.
var _ warren.Provider = (*Provider)(nil)
