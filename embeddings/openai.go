package embeddings

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

type openAIEmbedder struct {
	client    *openai.Client
	model     openai.EmbeddingModel
	dimension int
}

func NewOpenAIEmbedder(opts Options) Embedder {
	cfg := openai.DefaultConfig(opts.OpenAIAPIKey)
	if opts.OpenAIBaseURL != "" {
		cfg.BaseURL = opts.OpenAIBaseURL
	}
	if opts.Timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}

	return &openAIEmbedder{
		client:    openai.NewClientWithConfig(cfg),
		model:     openai.EmbeddingModel(opts.Model),
		dimension: opts.Dimension,
	}
}

func (e *openAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	req := openai.EmbeddingRequest{Model: e.model, Input: texts}
	// Only the text-embedding-3 family accepts a reduced output size.
	if e.dimension > 0 && strings.HasPrefix(string(e.model), "text-embedding-3") {
		req.Dimensions = e.dimension
	}

	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: create openai embeddings: %w", ErrEmbedding, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: openai returned %d embeddings for %d inputs", ErrEmbedding, len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(resp.Data))
	for pos, datum := range resp.Data {
		i := datum.Index
		if i < 0 || i >= len(vectors) || vectors[i] != nil {
			i = pos
		}
		vectors[i] = datum.Embedding
	}
	if err := checkDimensions("openai", e.dimension, vectors); err != nil {
		return nil, err
	}
	return vectors, nil
}
