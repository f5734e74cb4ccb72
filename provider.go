package warren

import "context"

// Provider abstracts one model family's request/response schema. A Provider
// only translates: it never retries, never interprets tool results, and
// never holds conversation state.
type Provider interface {
	// Chat sends a request and returns a complete response. When req.Tools
	// is non-empty and the family supports native tool calling, the response
	// may contain ToolCalls.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// SupportsTools reports whether the family can accept tool definitions.
	// Families that cannot degrade to text-only generation; the reasoning
	// loop skips the tool-offer step for them.
	SupportsTools() bool
	// ModelID returns the fully qualified model identifier this provider
	// was resolved for (e.g. "amazon.titan-text-lite-v1").
	ModelID() string
	// Name returns the family name (e.g. "titan", "claude", "openaicompat").
	Name() string
}

// EmbeddingProvider abstracts text embedding.
type EmbeddingProvider interface {
	// Embed returns one embedding vector per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the vector width this provider produces.
	Dimensions() int
	Name() string
}
