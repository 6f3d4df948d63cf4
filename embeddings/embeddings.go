// Package embeddings turns chunk texts and queries into vectors through a
// hosted or a local model.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fabfab/docbase-rag/config"
)

var (
	// ErrEmbedding marks failures of the embedding service.
	ErrEmbedding = errors.New("embedding service failure")
	// ErrDimension is returned when the model answers with vectors of an
	// unexpected length.
	ErrDimension = errors.New("embedding dimension mismatch")
)

// Embedder returns one vector per input text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Options struct {
	Provider string
	Model    string
	// Dimension, when positive, is enforced on every returned vector.
	Dimension int
	Timeout   time.Duration

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Provider:      cfg.Embeddings.Provider,
		Model:         cfg.Embeddings.Model,
		Dimension:     cfg.Embeddings.Dimension,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	}
}

func NewEmbedder(cfg config.Config) (Embedder, error) {
	return New(OptionsFromConfig(cfg))
}

func New(opts Options) (Embedder, error) {
	switch opts.Provider {
	case config.ProviderOllama:
		return NewOllamaEmbedder(opts), nil
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, config.ErrMissingAPIKey
		}
		return NewOpenAIEmbedder(opts), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", opts.Provider)
	}
}

func checkDimensions(provider string, want int, vectors [][]float32) error {
	if want <= 0 {
		return nil
	}
	for i, vec := range vectors {
		if len(vec) != want {
			return fmt.Errorf("%w: %s vector %d has %d values, expected %d", ErrDimension, provider, i, len(vec), want)
		}
	}
	return nil
}
