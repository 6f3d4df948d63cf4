package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const ollamaEmbedPath = "/api/embed"

type ollamaEmbedder struct {
	url       string
	model     string
	dimension int
	client    *http.Client
}

// ollamaEmbedRequest uses the batch endpoint: one request per Embed call.
type ollamaEmbedRequest struct {
	Model    string   `json:"model"`
	Input    []string `json:"input"`
	Truncate bool     `json:"truncate"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

func NewOllamaEmbedder(opts Options) Embedder {
	host := strings.TrimRight(opts.OllamaHost, "/")
	if host == "" {
		host = "http://localhost:11434"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &ollamaEmbedder{
		url:       host + ollamaEmbedPath,
		model:     opts.Model,
		dimension: opts.Dimension,
		client:    &http.Client{Timeout: timeout},
	}
}

func (e *ollamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Input: texts, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("marshal ollama embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create ollama embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: call ollama embed API: %w", ErrEmbedding, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, ollamaStatusError(resp)
	}

	var payload ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode ollama embed response: %w", ErrEmbedding, err)
	}
	if payload.Error != "" {
		return nil, fmt.Errorf("%w: ollama embed error: %s", ErrEmbedding, payload.Error)
	}
	if len(payload.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: ollama returned %d embeddings for %d inputs", ErrEmbedding, len(payload.Embeddings), len(texts))
	}
	if err := checkDimensions("ollama", e.dimension, payload.Embeddings); err != nil {
		return nil, err
	}
	return payload.Embeddings, nil
}

// ollamaStatusError prefers the JSON "error" message Ollama puts in failed
// responses over the bare status line.
func ollamaStatusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload ollamaEmbedResponse
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		return fmt.Errorf("%w: ollama embed API: %s", ErrEmbedding, payload.Error)
	}
	if msg := strings.TrimSpace(string(data)); msg != "" {
		return fmt.Errorf("%w: ollama embed API returned %s: %s", ErrEmbedding, resp.Status, msg)
	}
	return fmt.Errorf("%w: ollama embed API returned status %s", ErrEmbedding, resp.Status)
}
