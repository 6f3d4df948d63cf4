package main

import (
	"testing"

	"github.com/fabfab/docbase-rag/config"
)

func TestCredential(t *testing.T) {
	cfg := config.Default()
	if got := credential(cfg); got != "" {
		t.Fatalf("expected no credential without a key, got %q", got)
	}

	cfg.OpenAIAPIKey = "sk-test"
	if got := credential(cfg); got != "sk-test" {
		t.Fatalf("expected the api key, got %q", got)
	}

	cfg.OpenAIAPIKey = ""
	cfg.LLM.Provider = config.ProviderOllama
	if got := credential(cfg); got != "" {
		t.Fatalf("expected no credential while embeddings use openai, got %q", got)
	}

	cfg.Embeddings.Provider = config.ProviderOllama
	if got := credential(cfg); got != config.ProviderOllama {
		t.Fatalf("expected the ollama placeholder, got %q", got)
	}
}
