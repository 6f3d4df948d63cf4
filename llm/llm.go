// Package llm talks to chat completion models, either in a single call or as
// a stream of answer fragments.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fabfab/docbase-rag/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrGeneration marks failures of the generation service.
var ErrGeneration = errors.New("generation service failure")

type Message struct {
	Role    string
	Content string
}

type Client interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

// StreamClient is implemented by clients that can deliver the answer in
// fragments. fn is called once per fragment; a non-nil return aborts the call.
type StreamClient interface {
	Client
	GenerateStream(ctx context.Context, messages []Message, fn func(string) error) error
}

type Options struct {
	Provider    string
	Model       string
	Temperature float32
	Timeout     time.Duration

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Provider:      cfg.LLM.Provider,
		Model:         cfg.LLM.Model,
		Temperature:   cfg.LLM.Temperature,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	}
}

func NewClient(cfg config.Config) (StreamClient, error) {
	return New(OptionsFromConfig(cfg))
}

func New(opts Options) (StreamClient, error) {
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("llm model must be set")
	}

	switch opts.Provider {
	case config.ProviderOllama:
		return NewOllamaClient(opts), nil
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, config.ErrMissingAPIKey
		}
		return NewOpenAIClient(opts), nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", opts.Provider)
	}
}
