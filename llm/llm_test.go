package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fabfab/docbase-rag/config"
)

func TestNewClientDefaults(t *testing.T) {
	cfg := config.Config{
		LLM: config.LLMConfig{
			Provider: config.ProviderOllama,
			Model:    "llama3.1:8b",
		},
		OllamaHost: "http://localhost:11434",
	}

	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("expected llm client, got error: %v", err)
	}

	if client == nil {
		t.Fatal("expected non-nil client")
	}
}

func TestNewClientOpenAIRequiresAPIKey(t *testing.T) {
	cfg := config.Config{
		LLM: config.LLMConfig{
			Provider: config.ProviderOpenAI,
			Model:    "gpt-4o-mini",
		},
	}

	if _, err := NewClient(cfg); !errors.Is(err, config.ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestNewClientUnknownProvider(t *testing.T) {
	cfg := config.Config{LLM: config.LLMConfig{Provider: "bedrock", Model: "m"}}
	if _, err := NewClient(cfg); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestOpenAIGenerateStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewOpenAIClient(Options{Model: "m", OpenAIAPIKey: "sk-test", OpenAIBaseURL: srv.URL + "/v1"})

	var got string
	err := client.GenerateStream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, func(fragment string) error {
		got += fragment
		return nil
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if got != "Hello" {
		t.Fatalf("expected %q, got %q", "Hello", got)
	}
}

func TestOpenAIGenerateWrapsServiceFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient(Options{Model: "m", OpenAIAPIKey: "sk-test", OpenAIBaseURL: srv.URL + "/v1"})
	_, err := client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	if !errors.Is(err, ErrGeneration) {
		t.Fatalf("expected ErrGeneration, got %v", err)
	}
}

func TestOllamaGenerateStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream {
			t.Errorf("expected stream request")
		}
		enc := json.NewEncoder(w)
		_ = enc.Encode(ollamaChatResponse{Message: ollamaChatMessage{Role: RoleAssistant, Content: "a"}})
		_ = enc.Encode(ollamaChatResponse{Message: ollamaChatMessage{Role: RoleAssistant, Content: "b"}})
		_ = enc.Encode(ollamaChatResponse{Done: true})
	}))
	defer srv.Close()

	client := NewOllamaClient(Options{Model: "llama", OllamaHost: srv.URL})
	var fragments []string
	err := client.GenerateStream(context.Background(), nil, func(fragment string) error {
		fragments = append(fragments, fragment)
		return nil
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if len(fragments) != 2 || fragments[0] != "a" || fragments[1] != "b" {
		t.Fatalf("unexpected fragments: %v", fragments)
	}
}

func TestNewClientRequiresModel(t *testing.T) {
	if _, err := New(Options{Provider: config.ProviderOllama}); err == nil {
		t.Fatal("expected error for missing model")
	}
}

func TestOllamaGenerateSurfacesServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model not found"}`))
	}))
	defer srv.Close()

	client := NewOllamaClient(Options{Model: "llama", OllamaHost: srv.URL})
	_, err := client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	if !errors.Is(err, ErrGeneration) {
		t.Fatalf("expected ErrGeneration, got %v", err)
	}
	if !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("expected service message in %q", err)
	}
}
