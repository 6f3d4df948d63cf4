package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type ollamaClient struct {
	host        string
	model       string
	temperature float32
	client      *http.Client
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  *ollamaChatOptions  `json:"options,omitempty"`
}

type ollamaChatOptions struct {
	Temperature float32 `json:"temperature"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error"`
}

func NewOllamaClient(opts Options) StreamClient {
	host := strings.TrimRight(opts.OllamaHost, "/")
	if host == "" {
		host = "http://localhost:11434"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &ollamaClient{
		host:        host,
		model:       opts.Model,
		temperature: opts.Temperature,
		client:      &http.Client{Timeout: timeout},
	}
}

func (c *ollamaClient) Generate(ctx context.Context, messages []Message) (string, error) {
	resp, err := c.chat(ctx, messages, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: decode ollama response: %w", ErrGeneration, err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("%w: ollama chat error: %s", ErrGeneration, parsed.Error)
	}
	return parsed.Message.Content, nil
}

// GenerateStream reads the newline-delimited JSON objects Ollama sends until
// one is marked done.
func (c *ollamaClient) GenerateStream(ctx context.Context, messages []Message, fn func(string) error) error {
	resp, err := c.chat(ctx, messages, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var chunk ollamaChatResponse
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: decode ollama stream response: %w", ErrGeneration, err)
		}
		if chunk.Error != "" {
			return fmt.Errorf("%w: ollama chat error: %s", ErrGeneration, chunk.Error)
		}
		if chunk.Message.Content != "" {
			if err := fn(chunk.Message.Content); err != nil {
				return err
			}
		}
		if chunk.Done {
			return nil
		}
	}
}

// chat posts to /api/chat and returns the response when the status is
// successful. The caller closes the body.
func (c *ollamaClient) chat(ctx context.Context, messages []Message, stream bool) (*http.Response, error) {
	body, err := json.Marshal(ollamaChatRequest{
		Model:    c.model,
		Messages: toOllamaMessages(messages),
		Stream:   stream,
		Options:  &ollamaChatOptions{Temperature: c.temperature},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: call ollama chat API: %w", ErrGeneration, err)
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed ollamaChatResponse
	if json.Unmarshal(data, &parsed) == nil && parsed.Error != "" {
		return nil, fmt.Errorf("%w: ollama chat API: %s", ErrGeneration, parsed.Error)
	}
	if msg := strings.TrimSpace(string(data)); msg != "" {
		return nil, fmt.Errorf("%w: ollama chat API returned %s: %s", ErrGeneration, resp.Status, msg)
	}
	return nil, fmt.Errorf("%w: ollama chat API returned status %s", ErrGeneration, resp.Status)
}

func toOllamaMessages(messages []Message) []ollamaChatMessage {
	if len(messages) == 0 {
		return nil
	}
	converted := make([]ollamaChatMessage, len(messages))
	for i := range messages {
		converted[i] = ollamaChatMessage(messages[i])
	}
	return converted
}
