package vectorindex

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/fabfab/docbase-rag/database"
)

// pgvectorMarker is written into the base directory after the first insert.
const pgvectorMarker = "pgvector.table"

// PGVectorBackend keeps one Postgres table per document base. The base
// directory only holds a marker naming the table.
type PGVectorBackend struct {
	Pool      *pgxpool.Pool
	Dimension int
}

func NewPGVectorBackend(pool *pgxpool.Pool, dimension int) *PGVectorBackend {
	return &PGVectorBackend{Pool: pool, Dimension: dimension}
}

func (b *PGVectorBackend) Open(ctx context.Context, dir string) (Store, error) {
	if b.Pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}

	table := database.VectorTable(filepath.Base(dir))
	if err := database.EnsureVectorTable(ctx, b.Pool, table, b.Dimension); err != nil {
		return nil, fmt.Errorf("ensure vector table: %w", err)
	}

	return &pgvectorStore{pool: b.Pool, table: table, dir: dir}, nil
}

func (b *PGVectorBackend) Purge(ctx context.Context, dir string) error {
	if b.Pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	return database.DropVectorTable(ctx, b.Pool, database.VectorTable(filepath.Base(dir)))
}

func (b *PGVectorBackend) Populated(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, pgvectorMarker))
	return err == nil
}

type pgvectorStore struct {
	pool  *pgxpool.Pool
	table pgx.Identifier
	dir   string
}

func (s *pgvectorStore) Insert(ctx context.Context, records []Record) (err error) {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, content, metadata, embedding, created_at)
		VALUES ($1, $2, $3::jsonb, $4, NOW())
	`, s.table.Sanitize())

	for idx, rec := range records {
		id, parseErr := uuid.Parse(rec.ID)
		if parseErr != nil {
			return fmt.Errorf("chunk %d id: %w", idx, parseErr)
		}
		metaJSON, marshalErr := json.Marshal(rec.Metadata)
		if marshalErr != nil {
			return fmt.Errorf("encode metadata: %w", marshalErr)
		}
		if _, err = tx.Exec(ctx, query, id, rec.Text, string(metaJSON), pgvector.NewVector(rec.Embedding)); err != nil {
			return fmt.Errorf("insert chunk %d: %w", idx, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	if markErr := os.WriteFile(filepath.Join(s.dir, pgvectorMarker), []byte(s.table.Sanitize()+"\n"), 0o644); markErr != nil {
		return fmt.Errorf("write index marker: %w", markErr)
	}
	return nil
}

func (s *pgvectorStore) Search(ctx context.Context, embedding []float32, k int) ([]Result, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("embedding is empty")
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id::text, content, metadata::text, (embedding <=> $1::vector) AS distance
		FROM %s
		ORDER BY embedding <=> $1::vector
		LIMIT $2
	`, s.table.Sanitize()), pgvector.NewVector(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("query similar chunks: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0, k)
	for rows.Next() {
		var (
			item     Result
			metaJSON string
			distance float64
		)
		if scanErr := rows.Scan(&item.ID, &item.Text, &metaJSON, &distance); scanErr != nil {
			return nil, fmt.Errorf("scan similar chunk: %w", scanErr)
		}
		if err := json.Unmarshal([]byte(metaJSON), &item.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", item.ID, err)
		}
		item.Score = 1 - distance
		results = append(results, item)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return results, nil
}

func (s *pgvectorStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+s.table.Sanitize()).Scan(&count); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return count, nil
}

func (s *pgvectorStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "TRUNCATE "+s.table.Sanitize()); err != nil {
		return fmt.Errorf("truncate chunks: %w", err)
	}
	return nil
}

// Close leaves the shared pool open.
func (s *pgvectorStore) Close() error {
	return nil
}

var _ Backend = (*PGVectorBackend)(nil)
