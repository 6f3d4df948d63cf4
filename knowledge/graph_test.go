package knowledge

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/docbase-rag/config"
	"github.com/fabfab/docbase-rag/database"
)

func TestGraphNilDriver(t *testing.T) {
	g := NewGraph(nil, nil)
	ctx := context.Background()

	assert.Error(t, g.SyncDocuments(ctx, "docs", []Document{{Source: "a.md", Chunks: 1}}))
	assert.Error(t, g.ClearBase(ctx, "docs"))
	_, err := g.ChunkCounts(ctx, "docs", []string{"a.md"})
	assert.Error(t, err)
}

func TestGraphEmptyInputsSkipDriver(t *testing.T) {
	g := NewGraph(nil, nil)
	ctx := context.Background()

	require.NoError(t, g.SyncDocuments(ctx, "docs", nil))
}

func TestNopMirror(t *testing.T) {
	var m Mirror = Nop{}
	ctx := context.Background()

	require.NoError(t, m.SyncDocuments(ctx, "docs", []Document{{Source: "a.md"}}))
	require.NoError(t, m.RenameBase(ctx, "docs", "papers"))
	counts, err := m.ChunkCounts(ctx, "docs", []string{"a.md"})
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestToInt(t *testing.T) {
	assert.Equal(t, 7, toInt(int64(7)))
	assert.Equal(t, 3, toInt(int32(3)))
	assert.Equal(t, 2, toInt(2.0))
	assert.Zero(t, toInt("x"))
	assert.Zero(t, toInt(nil))
}

func TestGraphLifecycle(t *testing.T) {
	if os.Getenv("RUN_DB_INTEGRATION_TESTS") != "1" {
		t.Skip("set RUN_DB_INTEGRATION_TESTS=1 to run database checks")
	}

	cfg, err := config.Load()
	require.NoError(t, err)
	ctx := context.Background()

	driver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
	require.NoError(t, err)
	defer driver.Close(ctx)

	g := NewGraph(driver, nil)
	base := "it-" + uuid.NewString()
	renamed := base + "-renamed"
	t.Cleanup(func() {
		_ = g.DeleteBase(ctx, base)
		_ = g.DeleteBase(ctx, renamed)
	})

	require.NoError(t, g.SyncDocuments(ctx, base, []Document{
		{Source: "a.md", Path: "/data/a.md", Chunks: 2},
		{Source: "b.md", Path: "/data/b.md", Chunks: 1},
	}))
	require.NoError(t, g.SyncDocuments(ctx, base, []Document{{Source: "a.md", Path: "/data/a.md", Chunks: 2}}))

	counts, err := g.ChunkCounts(ctx, base, []string{"a.md", "b.md", "c.md"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a.md": 4, "b.md": 1}, counts)

	require.NoError(t, g.RenameBase(ctx, base, renamed))
	counts, err = g.ChunkCounts(ctx, renamed, []string{"b.md"})
	require.NoError(t, err)
	assert.Equal(t, 1, counts["b.md"])

	require.NoError(t, g.ClearBase(ctx, renamed))
	counts, err = g.ChunkCounts(ctx, renamed, []string{"a.md", "b.md"})
	require.NoError(t, err)
	assert.Empty(t, counts)
}
