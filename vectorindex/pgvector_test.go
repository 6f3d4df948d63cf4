package vectorindex

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/docbase-rag/config"
	"github.com/fabfab/docbase-rag/database"
)

func TestPGVectorBackendRoundTrip(t *testing.T) {
	if os.Getenv("RUN_DB_INTEGRATION_TESTS") != "1" {
		t.Skip("set RUN_DB_INTEGRATION_TESTS=1 to run database checks")
	}

	cfg, err := config.Load()
	require.NoError(t, err)

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	require.NoError(t, err)
	defer pool.Close()

	backend := NewPGVectorBackend(pool, len(vocabulary)+1)
	dir := filepath.Join(t.TempDir(), "pgtest_1700000000")
	t.Cleanup(func() { _ = backend.Purge(ctx, dir) })

	ix, err := Open(ctx, backend, dir, &keywordEmbedder{})
	require.NoError(t, err)
	assert.False(t, backend.Populated(dir))

	_, err = ix.AddTexts(ctx, []string{"cat nap", "dog walk"}, []map[string]string{
		{"source": "cat.md"},
		{"source": "dog.md"},
	})
	require.NoError(t, err)
	assert.True(t, backend.Populated(dir))

	results, err := ix.Search(ctx, "dog", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "dog.md", results[0].Source())
	assert.Greater(t, results[0].Score, 0.5)

	require.NoError(t, ix.Clear(ctx))
	count, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
