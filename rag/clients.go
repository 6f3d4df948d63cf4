package rag

import (
	"context"

	"github.com/fabfab/docbase-rag/config"
	"github.com/fabfab/docbase-rag/embeddings"
	"github.com/fabfab/docbase-rag/llm"
)

// ConfigClients builds clients from cfg with the credential as the OpenAI API
// key. Ollama providers accept any non-blank credential.
func ConfigClients(cfg config.Config) ClientFactory {
	return func(_ context.Context, credential string) (llm.Client, embeddings.Embedder, error) {
		withKey := cfg
		withKey.OpenAIAPIKey = credential

		client, err := llm.NewClient(withKey)
		if err != nil {
			return nil, nil, err
		}
		embedder, err := embeddings.NewEmbedder(withKey)
		if err != nil {
			return nil, nil, err
		}
		return client, embedder, nil
	}
}
