package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const maxIdentifierLength = 63

// VectorTable returns the table holding the chunks of the base stored under
// location. Postgres truncates identifiers past 63 bytes, so long locations
// are replaced by a digest.
func VectorTable(location string) pgx.Identifier {
	name := "docbase_" + location
	if len(name) > maxIdentifierLength {
		sum := sha256.Sum256([]byte(location))
		name = "docbase_" + hex.EncodeToString(sum[:16])
	}
	return pgx.Identifier{name}
}

// EnsureVectorTable creates the pgvector extension and the chunk table for a
// single document base.
func EnsureVectorTable(ctx context.Context, pool *pgxpool.Pool, table pgx.Identifier, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}

	name := table.Sanitize()
	index := pgx.Identifier{table[len(table)-1] + "_embedding_idx"}.Sanitize()

	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			content TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding VECTOR(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, name, dimension),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)", index, name),
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}

	return nil
}

// DropVectorTable removes the chunk table of a document base.
func DropVectorTable(ctx context.Context, pool *pgxpool.Pool, table pgx.Identifier) error {
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS "+table.Sanitize()); err != nil {
		return fmt.Errorf("drop vector table: %w", err)
	}
	return nil
}
