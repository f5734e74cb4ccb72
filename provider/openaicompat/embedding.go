package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"

	warren "github.com/nevindra/warren"
)

// Embedding is an /embeddings client implementing warren.EmbeddingProvider.
type Embedding struct {
	provider   *Provider
	dimensions int
}

// NewEmbedding creates an embedding provider against an OpenAI-compatible
// /embeddings endpoint. dimensions is the model's output width, used for
// store schema setup.
func NewEmbedding(apiKey, model, baseURL string, dimensions int, opts ...Option) *Embedding {
	return &Embedding{
		provider:   New(apiKey, model, baseURL, opts...),
		dimensions: dimensions,
	}
}

func (e *Embedding) Name() string    { return e.provider.name + "-embedding" }
func (e *Embedding) Dimensions() int { return e.dimensions }

type embeddingBody struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one embedding per input text, in input order.
func (e *Embedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	respBody, err := e.provider.post(ctx, "/embeddings", embeddingBody{
		Model: e.provider.model,
		Input: texts,
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	var out embeddingResponse
	if err := json.NewDecoder(respBody).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", e.Name(), err)
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("%s: got %d embeddings for %d inputs", e.Name(), len(out.Data), len(texts))
	}

	embeddings := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(embeddings) {
			return nil, fmt.Errorf("%s: embedding index %d out of range", e.Name(), d.Index)
		}
		embeddings[d.Index] = d.Embedding
	}
	return embeddings, nil
}

// Compile-time interface check.
var _ warren.EmbeddingProvider = (*Embedding)(nil)
