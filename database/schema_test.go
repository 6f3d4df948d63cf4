package database

import (
	"context"
	"strings"
	"testing"
)

func TestVectorTableShortLocation(t *testing.T) {
	table := VectorTable("Docs_1700000000")
	if got := table.Sanitize(); got != `"docbase_Docs_1700000000"` {
		t.Fatalf("unexpected table name %s", got)
	}
}

func TestVectorTableKeepsCase(t *testing.T) {
	upper, lower := VectorTable("Docs_1700000000"), VectorTable("docs_1700000000")
	if upper.Sanitize() == lower.Sanitize() {
		t.Fatalf("locations differing in case share table %s", upper.Sanitize())
	}
}

func TestVectorTableLongLocationIsHashed(t *testing.T) {
	long := strings.Repeat("a", 80) + "_1700000000"
	table := VectorTable(long)
	if n := len(table[0]); n > maxIdentifierLength {
		t.Fatalf("identifier too long: %d", n)
	}
	if table[0] == VectorTable(long + "x")[0] {
		t.Fatal("expected distinct names for distinct locations")
	}
	if table[0] != VectorTable(long)[0] {
		t.Fatal("expected a stable name")
	}
}

func TestVectorTableQuotesUnsafeCharacters(t *testing.T) {
	table := VectorTable(`we"ird_1`)
	if got := table.Sanitize(); got != `"docbase_we""ird_1"` {
		t.Fatalf("unexpected quoting %s", got)
	}
}

func TestEnsureVectorTableRejectsInvalidDimension(t *testing.T) {
	err := EnsureVectorTable(context.Background(), nil, VectorTable("docs_1"), 0)
	if err == nil {
		t.Fatal("expected error when dimension is not positive")
	}
}

func TestNewNeo4jDriverRejectsUnknownScheme(t *testing.T) {
	if _, err := NewNeo4jDriver(context.Background(), "ftp://localhost:7687", "neo4j", "secret"); err == nil {
		t.Fatal("expected error for unsupported uri scheme")
	}
}

func TestNewPostgresPoolRejectsInvalidDSN(t *testing.T) {
	_, err := NewPostgresPool(context.Background(), "postgres://localhost:5432/docbase?pool_max_conns=many")
	if err == nil {
		t.Fatal("expected error for invalid pool setting")
	}
}
