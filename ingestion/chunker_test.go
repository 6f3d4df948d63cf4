package ingestion

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func newTestChunker(t *testing.T, size, overlap int) *Chunker {
	t.Helper()
	chunker, err := NewChunker(context.Background(), Options{Size: size, Overlap: overlap})
	require.NoError(t, err)
	return chunker
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func writeDOCX(t *testing.T, path string, paragraphs ...string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)

	body := &strings.Builder{}
	body.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	body.WriteString(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for _, p := range paragraphs {
		body.WriteString(`<w:p><w:r><w:t>` + p + `</w:t></w:r></w:p>`)
	}
	body.WriteString(`</w:body></w:document>`)

	_, err = w.Write([]byte(body.String()))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
}

func TestNewChunkerDefaults(t *testing.T) {
	chunker, err := NewChunker(context.Background(), Options{})
	require.NoError(t, err)

	fixed, ok := chunker.splitter.(*FixedSplitter)
	require.True(t, ok)
	assert.Equal(t, DefaultChunkSize, fixed.Size)
	assert.Equal(t, DefaultChunkOverlap, fixed.Overlap)
}

func TestNewChunkerUnknownStrategy(t *testing.T) {
	_, err := NewChunker(context.Background(), Options{Strategy: "semantic"})
	assert.Error(t, err)
}

func TestChunkFileMarkdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.md")
	writeFile(t, path, "# Notes\n\nShort document.")

	chunks, err := newTestChunker(t, 1000, 200).ChunkFile(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "notes.md", chunks[0].Source)
	assert.Equal(t, path, chunks[0].FilePath)
	assert.Equal(t, map[string]string{"source": "notes.md", "file_path": path}, chunks[0].Metadata())
}

func TestChunkFileEmptyYieldsNoChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.txt")
	writeFile(t, path, "")

	chunks, err := newTestChunker(t, 1000, 200).ChunkFile(context.Background(), path)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestChunkFileUnsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.png")
	writeFile(t, path, "binary")

	_, err := newTestChunker(t, 1000, 200).ChunkFile(context.Background(), path)
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestChunkFileDOCX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.docx")
	writeDOCX(t, path, "First paragraph.", "Second paragraph.")

	chunks, err := newTestChunker(t, 1000, 200).ChunkFile(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Text, "First paragraph.\nSecond paragraph.")
}

func TestChunkFileXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.xlsx")
	f := excelize.NewFile()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "Item"))
	require.NoError(t, f.SetCellValue("Sheet1", "B1", "Qty"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", "Bolts"))
	require.NoError(t, f.SetCellValue("Sheet1", "B2", 40))
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	chunks, err := newTestChunker(t, 1000, 200).ChunkFile(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Text, "Sheet: Sheet1")
	assert.Contains(t, chunks[0].Text, "Item: Bolts")
	assert.Contains(t, chunks[0].Text, "Qty: 40")
}

func TestChunkFileCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "people.csv")
	writeFile(t, path, "name,role\nAda,engineer\n")

	chunks, err := newTestChunker(t, 1000, 200).ChunkFile(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Row 1\nname: Ada\nrole: engineer", chunks[0].Text)
}

func TestChunkFileMalformedPDF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.pdf")
	writeFile(t, path, "%PDF-1.4\nthis is not a real pdf")

	_, err := newTestChunker(t, 1000, 200).ChunkFile(context.Background(), path)
	assert.Error(t, err)
}

func TestChunkDirectoryContinuesPastFailures(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.md"), strings.Repeat("x", 25))
	writeFile(t, filepath.Join(dir, "nested", "b.txt"), "tiny")
	writeFile(t, filepath.Join(dir, "nested", "broken.docx"), "not a zip archive")
	writeFile(t, filepath.Join(dir, "skip.png"), "ignored")
	writeFile(t, filepath.Join(dir, ".hidden", "c.md"), "ignored")

	result, err := newTestChunker(t, 10, 2).ChunkDirectory(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.md", "nested/b.txt"}, result.Paths())
	assert.Len(t, result.Files["a.md"], 3)
	assert.Equal(t, "nested/b.txt", result.Files["nested/b.txt"][0].Source)

	require.Len(t, result.Failures, 1)
	assert.Equal(t, filepath.Join(dir, "nested", "broken.docx"), result.Failures[0].Path)
}

func TestChunkDirectoryMissing(t *testing.T) {
	_, err := newTestChunker(t, 10, 2).ChunkDirectory(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatPDF, DetectFormat("a/B.PDF"))
	assert.Equal(t, FormatDOCX, DetectFormat("memo.docx"))
	assert.Equal(t, FormatXLS, DetectFormat("old.xls"))
	assert.Equal(t, FormatUnknown, DetectFormat("archive.zip"))
	assert.True(t, Supported("readme.markdown"))
	assert.False(t, Supported("main.go"))
}
