// Package vectorindex stores chunk text, embeddings and metadata per document
// base and answers nearest-neighbour queries over them.
package vectorindex

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabfab/docbase-rag/embeddings"
	"github.com/fabfab/docbase-rag/logging"
)

const (
	DefaultTopK      = 6
	defaultBatchSize = 64
)

// Record is a stored chunk.
type Record struct {
	ID        string
	Text      string
	Metadata  map[string]string
	Embedding []float32
}

// Result is a retrieved chunk ranked by Score, higher meaning more similar.
type Result struct {
	ID       string
	Text     string
	Metadata map[string]string
	Score    float64
}

// Source returns the "source" metadata value.
func (r Result) Source() string {
	return r.Metadata["source"]
}

// Store persists records for a single document base.
type Store interface {
	// Insert writes all records or none of them.
	Insert(ctx context.Context, records []Record) error
	Search(ctx context.Context, embedding []float32, k int) ([]Result, error)
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	Close() error
}

// Backend opens stores bound to a base's storage directory.
type Backend interface {
	Open(ctx context.Context, dir string) (Store, error)
	// Purge removes storage the backend keeps outside dir.
	Purge(ctx context.Context, dir string) error
	// Populated reports, without loading the index, whether dir has held
	// vectors before.
	Populated(dir string) bool
}

// Retriever returns the chunks most similar to query.
type Retriever func(ctx context.Context, query string) ([]Result, error)

type Option func(*Index)

func WithBatchSize(n int) Option {
	return func(ix *Index) {
		if n > 0 {
			ix.batchSize = n
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(ix *Index) {
		ix.logger = logging.OrNop(logger).Named("vectorindex")
	}
}

// Index embeds texts through an Embedder and keeps them in a Store.
type Index struct {
	store     Store
	embedder  embeddings.Embedder
	batchSize int
	logger    *zap.Logger
}

func New(store Store, embedder embeddings.Embedder, opts ...Option) *Index {
	ix := &Index{
		store:     store,
		embedder:  embedder,
		batchSize: defaultBatchSize,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Open is a convenience for opening dir through backend and wrapping the store.
func Open(ctx context.Context, backend Backend, dir string, embedder embeddings.Embedder, opts ...Option) (*Index, error) {
	store, err := backend.Open(ctx, dir)
	if err != nil {
		return nil, err
	}
	return New(store, embedder, opts...), nil
}

// AddTexts embeds texts and stores them with their metadata in one batch. A
// nil metadatas slice gives every text a {"source": "doc_<i>"} entry. Empty
// input is a no-op.
func (ix *Index) AddTexts(ctx context.Context, texts []string, metadatas []map[string]string) ([]string, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if metadatas != nil && len(metadatas) != len(texts) {
		return nil, fmt.Errorf("metadata count mismatch: have %d texts, %d metadatas", len(texts), len(metadatas))
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += ix.batchSize {
		end := min(start+ix.batchSize, len(texts))
		batch, err := ix.embedder.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("generate embeddings: %w", err)
		}
		if len(batch) != end-start {
			return nil, fmt.Errorf("embedding count mismatch: have %d chunks, %d embeddings", end-start, len(batch))
		}
		vectors = append(vectors, batch...)
	}

	records := make([]Record, len(texts))
	ids := make([]string, len(texts))
	for i, text := range texts {
		meta := map[string]string{"source": fmt.Sprintf("doc_%d", i)}
		if metadatas != nil && metadatas[i] != nil {
			meta = metadatas[i]
		}
		ids[i] = uuid.NewString()
		records[i] = Record{ID: ids[i], Text: text, Metadata: meta, Embedding: vectors[i]}
	}

	if err := ix.store.Insert(ctx, records); err != nil {
		return nil, fmt.Errorf("store chunks: %w", err)
	}

	ix.logger.Info("stored chunks", zap.Int("count", len(records)))
	return ids, nil
}

// Search embeds query and returns the k most similar chunks.
func (ix *Index) Search(ctx context.Context, query string, k int) ([]Result, error) {
	if k <= 0 {
		k = DefaultTopK
	}

	vectors, err := ix.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embedder returned no vectors")
	}

	results, err := ix.store.Search(ctx, vectors[0], k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return results, nil
}

// Retriever binds topK (DefaultTopK when not positive) to a query function.
// Each call may ask for a different topK without reopening the index.
func (ix *Index) Retriever(topK int) Retriever {
	return func(ctx context.Context, query string) ([]Result, error) {
		return ix.Search(ctx, query, topK)
	}
}

func (ix *Index) Count(ctx context.Context) (int, error) {
	return ix.store.Count(ctx)
}

// Clear removes every stored chunk. The index stays usable.
func (ix *Index) Clear(ctx context.Context) error {
	if err := ix.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear index: %w", err)
	}
	ix.logger.Info("cleared index")
	return nil
}

func (ix *Index) Close() error {
	return ix.store.Close()
}
