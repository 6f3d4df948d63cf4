// Package knowledge mirrors document bases and their documents into Neo4j so
// the graph can answer structural questions (which documents a base holds,
// how many chunks each contributed) alongside vector retrieval.
package knowledge

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/fabfab/docbase-rag/logging"
)

// Document is one ingested file of a base.
type Document struct {
	Source string
	Path   string
	Chunks int
}

// Mirror is the graph surface the orchestrator talks to.
type Mirror interface {
	SyncDocuments(ctx context.Context, base string, docs []Document) error
	RenameBase(ctx context.Context, oldName, newName string) error
	ClearBase(ctx context.Context, base string) error
	DeleteBase(ctx context.Context, base string) error
	ChunkCounts(ctx context.Context, base string, sources []string) (map[string]int, error)
}

type Graph struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

func NewGraph(driver neo4j.DriverWithContext, logger *zap.Logger) *Graph {
	return &Graph{driver: driver, logger: logging.OrNop(logger).Named("knowledge")}
}

// SyncDocuments adds docs to base. Chunk counts accumulate when a source is
// loaded more than once, matching the vector index which keeps every copy.
func (g *Graph) SyncDocuments(ctx context.Context, base string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	rows := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		rows = append(rows, map[string]any{
			"source": doc.Source,
			"path":   doc.Path,
			"chunks": int64(doc.Chunks),
		})
	}

	err := g.write(ctx, func(tx neo4j.ManagedTransaction) error {
		if _, err := tx.Run(ctx, `
			MERGE (b:DocumentBase {name: $base})
			ON CREATE SET b.created_at = datetime()
			SET b.updated_at = datetime()
		`, map[string]any{"base": base}); err != nil {
			return fmt.Errorf("upsert base node: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MATCH (b:DocumentBase {name: $base})
			UNWIND $docs AS doc
			MERGE (b)-[:HAS_DOCUMENT]->(d:Document {base: $base, source: doc.source})
			ON CREATE SET d.chunks = 0
			SET d.path = doc.path,
			    d.chunks = d.chunks + doc.chunks,
			    d.updated_at = datetime()
		`, map[string]any{"base": base, "docs": rows}); err != nil {
			return fmt.Errorf("upsert document nodes: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	g.logger.Info("synced documents", zap.String("base", base), zap.Int("documents", len(docs)))
	return nil
}

func (g *Graph) RenameBase(ctx context.Context, oldName, newName string) error {
	return g.write(ctx, func(tx neo4j.ManagedTransaction) error {
		if _, err := tx.Run(ctx, `
			MATCH (b:DocumentBase {name: $old})
			SET b.name = $new, b.updated_at = datetime()
			WITH b
			OPTIONAL MATCH (b)-[:HAS_DOCUMENT]->(d:Document)
			SET d.base = $new
		`, map[string]any{"old": oldName, "new": newName}); err != nil {
			return fmt.Errorf("rename base node: %w", err)
		}
		return nil
	})
}

// ClearBase drops the documents of base but keeps the base node.
func (g *Graph) ClearBase(ctx context.Context, base string) error {
	return g.write(ctx, func(tx neo4j.ManagedTransaction) error {
		if _, err := tx.Run(ctx, `
			MATCH (:DocumentBase {name: $base})-[:HAS_DOCUMENT]->(d:Document)
			DETACH DELETE d
		`, map[string]any{"base": base}); err != nil {
			return fmt.Errorf("clear document nodes: %w", err)
		}
		return nil
	})
}

func (g *Graph) DeleteBase(ctx context.Context, base string) error {
	return g.write(ctx, func(tx neo4j.ManagedTransaction) error {
		if _, err := tx.Run(ctx, `
			MATCH (b:DocumentBase {name: $base})
			OPTIONAL MATCH (b)-[:HAS_DOCUMENT]->(d:Document)
			DETACH DELETE d, b
		`, map[string]any{"base": base}); err != nil {
			return fmt.Errorf("delete base node: %w", err)
		}
		return nil
	})
}

// ChunkCounts returns the number of chunks recorded per source. Sources the
// graph does not know are absent from the map.
func (g *Graph) ChunkCounts(ctx context.Context, base string, sources []string) (map[string]int, error) {
	if g.driver == nil {
		return nil, fmt.Errorf("neo4j driver is nil")
	}
	if len(sources) == 0 {
		return map[string]int{}, nil
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (:DocumentBase {name: $base})-[:HAS_DOCUMENT]->(d:Document)
		WHERE d.source IN $sources
		RETURN d.source AS source, d.chunks AS chunks
	`, map[string]any{"base": base, "sources": sources})
	if err != nil {
		return nil, fmt.Errorf("run chunk count query: %w", err)
	}

	counts := make(map[string]int, len(sources))
	for result.Next(ctx) {
		record := result.Record()
		sourceVal, _ := record.Get("source")
		chunksVal, _ := record.Get("chunks")
		source, ok := sourceVal.(string)
		if !ok {
			continue
		}
		counts[source] = toInt(chunksVal)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("chunk count result error: %w", err)
	}
	return counts, nil
}

func (g *Graph) write(ctx context.Context, fn func(tx neo4j.ManagedTransaction) error) error {
	if g.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(tx)
	})
	return err
}

func toInt(value any) int {
	switch v := value.(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Nop is used when no graph database is configured.
type Nop struct{}

func (Nop) SyncDocuments(context.Context, string, []Document) error { return nil }
func (Nop) RenameBase(context.Context, string, string) error        { return nil }
func (Nop) ClearBase(context.Context, string) error                 { return nil }
func (Nop) DeleteBase(context.Context, string) error                { return nil }

func (Nop) ChunkCounts(context.Context, string, []string) (map[string]int, error) {
	return map[string]int{}, nil
}

var (
	_ Mirror = (*Graph)(nil)
	_ Mirror = Nop{}
)
