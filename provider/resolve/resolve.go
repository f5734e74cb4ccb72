// Package resolve maps a model ID to its schema family and constructs the
// matching provider. Resolution happens once, when a worker boots with its
// configured model, never per call: a misconfigured model ID fails fast at
// startup instead of surfacing mid-conversation.
package resolve

import (
	"strings"

	warren "github.com/nevindra/warren"
	"github.com/nevindra/warren/provider/claude"
	"github.com/nevindra/warren/provider/openaicompat"
	"github.com/nevindra/warren/provider/titan"
)

// Known model-ID prefixes, a closed set.
const (
	prefixTitan  = "amazon.titan-text"
	prefixClaude = "anthropic."
	prefixOSS    = "oss."
)

// Config holds family-agnostic provider configuration.
type Config struct {
	ModelID string
	APIKey  string
	BaseURL string // invocation API base; chat-completions base for the OSS family

	// Generation config, applied per family (0 = family default).
	MaxTokens   int
	Temperature float64
}

// EmbeddingConfig holds configuration for the embedding provider. Only the
// OSS family exposes an /embeddings endpoint.
type EmbeddingConfig struct {
	Model      string
	APIKey     string
	BaseURL    string
	Dimensions int
}

// CheckModelID reports whether the model ID belongs to a known schema
// family, without constructing a provider. The dispatcher uses it at the
// edge so a misconfigured model fails each request with a typed error
// instead of timing out worker provisioning.
func CheckModelID(id string) error {
	switch {
	case strings.HasPrefix(id, prefixTitan),
		strings.HasPrefix(id, prefixClaude),
		strings.HasPrefix(id, prefixOSS):
		return nil
	default:
		return &warren.ErrUnsupportedModelFamily{ModelID: id}
	}
}

// Provider constructs the provider for cfg.ModelID's family. An ID outside
// the closed prefix set returns *warren.ErrUnsupportedModelFamily.
func Provider(cfg Config) (warren.Provider, error) {
	switch {
	case strings.HasPrefix(cfg.ModelID, prefixTitan):
		return titan.New(cfg.APIKey, cfg.ModelID, cfg.BaseURL, titanOpts(cfg)...), nil
	case strings.HasPrefix(cfg.ModelID, prefixClaude):
		return claude.New(cfg.APIKey, cfg.ModelID, cfg.BaseURL, claudeOpts(cfg)...), nil
	case strings.HasPrefix(cfg.ModelID, prefixOSS):
		model := strings.TrimPrefix(cfg.ModelID, prefixOSS)
		return openaicompat.New(cfg.APIKey, model, cfg.BaseURL, ossOpts(cfg)...), nil
	default:
		return nil, &warren.ErrUnsupportedModelFamily{ModelID: cfg.ModelID}
	}
}

// EmbeddingProvider constructs the embedding provider.
func EmbeddingProvider(cfg EmbeddingConfig) warren.EmbeddingProvider {
	return openaicompat.NewEmbedding(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Dimensions)
}

func titanOpts(cfg Config) []titan.Option {
	var opts []titan.Option
	if cfg.MaxTokens > 0 {
		opts = append(opts, titan.WithMaxTokens(cfg.MaxTokens))
	}
	if cfg.Temperature > 0 {
		opts = append(opts, titan.WithTemperature(cfg.Temperature))
	}
	return opts
}

func claudeOpts(cfg Config) []claude.Option {
	var opts []claude.Option
	if cfg.MaxTokens > 0 {
		opts = append(opts, claude.WithMaxTokens(cfg.MaxTokens))
	}
	if cfg.Temperature > 0 {
		opts = append(opts, claude.WithTemperature(cfg.Temperature))
	}
	return opts
}

func ossOpts(cfg Config) []openaicompat.Option {
	var opts []openaicompat.Option
	if cfg.MaxTokens > 0 {
		opts = append(opts, openaicompat.WithMaxTokens(cfg.MaxTokens))
	}
	if cfg.Temperature > 0 {
		opts = append(opts, openaicompat.WithTemperature(cfg.Temperature))
	}
	return opts
}
