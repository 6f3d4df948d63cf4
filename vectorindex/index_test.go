package vectorindex

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keywordEmbedder maps each text onto a fixed vocabulary so similarity is
// predictable.
type keywordEmbedder struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

var vocabulary = []string{"cat", "dog", "fish", "bird"}

func (e *keywordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls = append(e.calls, append([]string(nil), texts...))
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, len(vocabulary)+1)
		for j, word := range vocabulary {
			vec[j] = float32(strings.Count(strings.ToLower(text), word))
		}
		vec[len(vocabulary)] = 0.01
		out[i] = vec
	}
	return out, nil
}

func (e *keywordEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func backends() map[string]func() Backend {
	return map[string]func() Backend{
		"memory": func() Backend { return NewMemoryBackend() },
		"sqlite": func() Backend { return SQLiteBackend{} },
	}
}

func TestAddTextsAndSearch(t *testing.T) {
	for name, newBackend := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			embedder := &keywordEmbedder{}
			ix, err := Open(ctx, newBackend(), t.TempDir(), embedder)
			require.NoError(t, err)
			defer ix.Close()

			ids, err := ix.AddTexts(ctx, []string{"the cat sat", "a dog barked", "fish swim"}, []map[string]string{
				{"source": "cats.md"},
				{"source": "dogs.md"},
				{"source": "fish.md"},
			})
			require.NoError(t, err)
			require.Len(t, ids, 3)
			assert.Equal(t, 1, embedder.callCount())

			results, err := ix.Search(ctx, "dog", 1)
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, "a dog barked", results[0].Text)
			assert.Equal(t, "dogs.md", results[0].Source())

			count, err := ix.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, count)
		})
	}
}

func TestAddTextsEmptyIsNoop(t *testing.T) {
	for name, newBackend := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			embedder := &keywordEmbedder{}
			ix, err := Open(ctx, newBackend(), t.TempDir(), embedder)
			require.NoError(t, err)
			defer ix.Close()

			ids, err := ix.AddTexts(ctx, nil, nil)
			require.NoError(t, err)
			assert.Empty(t, ids)
			assert.Zero(t, embedder.callCount())

			count, err := ix.Count(ctx)
			require.NoError(t, err)
			assert.Zero(t, count)
		})
	}
}

func TestAddTextsDefaultMetadata(t *testing.T) {
	ctx := context.Background()
	ix, err := Open(ctx, NewMemoryBackend(), t.TempDir(), &keywordEmbedder{})
	require.NoError(t, err)

	_, err = ix.AddTexts(ctx, []string{"cat", "dog"}, nil)
	require.NoError(t, err)

	results, err := ix.Search(ctx, "dog", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc_1", results[0].Source())
}

func TestAddTextsMetadataMismatch(t *testing.T) {
	ctx := context.Background()
	ix, err := Open(ctx, NewMemoryBackend(), t.TempDir(), &keywordEmbedder{})
	require.NoError(t, err)

	_, err = ix.AddTexts(ctx, []string{"cat", "dog"}, []map[string]string{{"source": "x"}})
	assert.Error(t, err)
}

func TestAddTextsEmbeddingFailureStoresNothing(t *testing.T) {
	ctx := context.Background()
	embedder := &keywordEmbedder{err: errors.New("quota exceeded")}
	ix, err := Open(ctx, NewMemoryBackend(), t.TempDir(), embedder)
	require.NoError(t, err)

	_, err = ix.AddTexts(ctx, []string{"cat"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")

	count, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestAddTextsBatchesEmbeddingCalls(t *testing.T) {
	ctx := context.Background()
	embedder := &keywordEmbedder{}
	ix, err := Open(ctx, NewMemoryBackend(), t.TempDir(), embedder, WithBatchSize(2))
	require.NoError(t, err)

	_, err = ix.AddTexts(ctx, []string{"a", "b", "c", "d", "e"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, embedder.callCount())
}

func TestRetrieverTopKPerCall(t *testing.T) {
	ctx := context.Background()
	ix, err := Open(ctx, NewMemoryBackend(), t.TempDir(), &keywordEmbedder{})
	require.NoError(t, err)

	texts := make([]string, 10)
	for i := range texts {
		texts[i] = "cat"
	}
	_, err = ix.AddTexts(ctx, texts, nil)
	require.NoError(t, err)

	two, err := ix.Retriever(2)(ctx, "cat")
	require.NoError(t, err)
	assert.Len(t, two, 2)

	fallback, err := ix.Retriever(0)(ctx, "cat")
	require.NoError(t, err)
	assert.Len(t, fallback, DefaultTopK)
}

func TestSearchFewerChunksThanTopK(t *testing.T) {
	ctx := context.Background()
	ix, err := Open(ctx, SQLiteBackend{}, t.TempDir(), &keywordEmbedder{})
	require.NoError(t, err)
	defer ix.Close()

	_, err = ix.AddTexts(ctx, []string{"cat", "dog"}, nil)
	require.NoError(t, err)

	results, err := ix.Search(ctx, "bird", 6)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestClearKeepsIndexUsable(t *testing.T) {
	for name, newBackend := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ix, err := Open(ctx, newBackend(), t.TempDir(), &keywordEmbedder{})
			require.NoError(t, err)
			defer ix.Close()

			_, err = ix.AddTexts(ctx, []string{"cat", "dog"}, nil)
			require.NoError(t, err)
			require.NoError(t, ix.Clear(ctx))

			results, err := ix.Search(ctx, "cat", 3)
			require.NoError(t, err)
			assert.Empty(t, results)

			_, err = ix.AddTexts(ctx, []string{"fish"}, nil)
			require.NoError(t, err)
			count, err := ix.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, count)
		})
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "docs_1700000000")
	backend := SQLiteBackend{}
	assert.False(t, backend.Populated(dir))

	ix, err := Open(ctx, backend, dir, &keywordEmbedder{})
	require.NoError(t, err)
	_, err = ix.AddTexts(ctx, []string{"cat food", "dog toys"}, []map[string]string{
		{"source": "pets/cat.md", "file_path": "/data/pets/cat.md"},
		{"source": "pets/dog.md", "file_path": "/data/pets/dog.md"},
	})
	require.NoError(t, err)
	require.NoError(t, ix.Close())
	assert.True(t, backend.Populated(dir))

	reopened, err := Open(ctx, backend, dir, &keywordEmbedder{})
	require.NoError(t, err)
	defer reopened.Close()

	results, err := reopened.Search(ctx, "cat", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "pets/cat.md", results[0].Source())
	assert.Equal(t, "/data/pets/cat.md", results[0].Metadata["file_path"])
}

func TestMemoryBackendPurge(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	ix, err := Open(ctx, backend, "base", &keywordEmbedder{})
	require.NoError(t, err)
	_, err = ix.AddTexts(ctx, []string{"cat"}, nil)
	require.NoError(t, err)
	assert.True(t, backend.Populated("base"))

	require.NoError(t, backend.Purge(ctx, "base"))
	assert.False(t, backend.Populated("base"))

	fresh, err := Open(ctx, backend, "base", &keywordEmbedder{})
	require.NoError(t, err)
	count, err := fresh.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, cosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Zero(t, cosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}
