package ingestion

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fabfab/docbase-rag/config"
	"github.com/fabfab/docbase-rag/logging"
)

// Chunk is an immutable slice of a source document's text.
type Chunk struct {
	Text     string
	Source   string
	FilePath string
}

// Metadata returns the metadata stored alongside the chunk in a vector index.
func (c Chunk) Metadata() map[string]string {
	return map[string]string{
		"source":    c.Source,
		"file_path": c.FilePath,
	}
}

// FileError records a per-file extraction or chunking failure.
type FileError struct {
	Path string
	Err  error
}

func (e FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e FileError) Unwrap() error {
	return e.Err
}

// DirectoryResult maps slash-separated paths relative to the walked root to
// their chunks. Failures lists files that could not be processed.
type DirectoryResult struct {
	Files    map[string][]Chunk
	Failures []FileError
}

// Paths returns the relative paths in lexical order.
func (r DirectoryResult) Paths() []string {
	paths := make([]string, 0, len(r.Files))
	for path := range r.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

type Options struct {
	Size     int
	Overlap  int
	Strategy string
	Workers  int
	Logger   *zap.Logger
}

type Chunker struct {
	splitter Splitter
	extract  func(ctx context.Context, path string) (string, error)
	workers  int
	logger   *zap.Logger
}

func NewChunker(ctx context.Context, opts Options) (*Chunker, error) {
	if opts.Size == 0 {
		opts.Size = DefaultChunkSize
		if opts.Overlap == 0 {
			opts.Overlap = DefaultChunkOverlap
		}
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}

	var (
		splitter Splitter
		err      error
	)
	switch opts.Strategy {
	case "", config.StrategyFixed:
		splitter, err = NewFixedSplitter(opts.Size, opts.Overlap)
	case config.StrategyRecursive:
		splitter, err = NewRecursiveSplitter(ctx, opts.Size, opts.Overlap)
	default:
		err = fmt.Errorf("unknown chunk strategy: %s", opts.Strategy)
	}
	if err != nil {
		return nil, err
	}

	return &Chunker{
		splitter: splitter,
		extract:  Extract,
		workers:  opts.Workers,
		logger:   logging.OrNop(opts.Logger).Named("chunker"),
	}, nil
}

// Chunk splits raw text, tagging every chunk with source and path.
func (c *Chunker) Chunk(ctx context.Context, text, source, path string) ([]Chunk, error) {
	parts, err := c.splitter.Split(ctx, text)
	if err != nil {
		return nil, err
	}

	chunks := make([]Chunk, len(parts))
	for i, part := range parts {
		chunks[i] = Chunk{Text: part, Source: source, FilePath: path}
	}
	return chunks, nil
}

// ChunkFile extracts and splits a single file. The chunk source is the file's
// base name.
func (c *Chunker) ChunkFile(ctx context.Context, path string) ([]Chunk, error) {
	text, err := c.extract(ctx, path)
	if err != nil {
		return nil, err
	}
	return c.Chunk(ctx, text, filepath.Base(path), path)
}

// ChunkDirectory walks dir recursively and chunks every supported file.
// Failing files are logged and reported in the result; they never abort the
// walk.
func (c *Chunker) ChunkDirectory(ctx context.Context, dir string) (DirectoryResult, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return DirectoryResult{}, fmt.Errorf("data directory: %w", err)
	}
	if !info.IsDir() {
		return DirectoryResult{}, fmt.Errorf("data directory: %s is not a directory", dir)
	}

	entries := make([]string, 0)
	if err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if Supported(path) {
			entries = append(entries, path)
		}
		return nil
	}); err != nil {
		return DirectoryResult{}, fmt.Errorf("walk data directory: %w", err)
	}

	result := DirectoryResult{Files: make(map[string][]Chunk, len(entries))}
	if len(entries) == 0 {
		c.logger.Info("no supported documents found", zap.String("dir", dir))
		return result, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	for _, path := range entries {
		g.Go(func() error {
			rel, relErr := filepath.Rel(dir, path)
			if relErr != nil {
				rel = path
			}
			rel = filepath.ToSlash(rel)

			chunks, err := c.chunkRelative(gctx, path, rel)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				c.logger.Warn("ingest failed", zap.String("path", path), zap.Error(err))
				result.Failures = append(result.Failures, FileError{Path: path, Err: err})
				return nil
			}
			result.Files[rel] = chunks
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return DirectoryResult{}, err
	}

	sort.Slice(result.Failures, func(i, j int) bool {
		return result.Failures[i].Path < result.Failures[j].Path
	})
	return result, nil
}

func (c *Chunker) chunkRelative(ctx context.Context, path, rel string) ([]Chunk, error) {
	text, err := c.extract(ctx, path)
	if err != nil {
		return nil, err
	}
	return c.Chunk(ctx, text, rel, path)
}
