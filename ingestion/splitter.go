package ingestion

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/document/transformer/splitter/recursive"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/schema"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// Splitter cuts extracted text into chunk texts.
type Splitter interface {
	Split(ctx context.Context, text string) ([]string, error)
}

// FixedSplitter produces rune windows of Size runes; consecutive windows share
// Overlap runes. A text of L runes yields ceil((L-Overlap)/(Size-Overlap))
// windows, one window when L <= Size and none for blank text.
type FixedSplitter struct {
	Size    int
	Overlap int
}

func NewFixedSplitter(size, overlap int) (*FixedSplitter, error) {
	if err := validateWindow(size, overlap); err != nil {
		return nil, err
	}
	return &FixedSplitter{Size: size, Overlap: overlap}, nil
}

func (s *FixedSplitter) Split(_ context.Context, text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	runes := []rune(text)
	total := len(runes)
	if total <= s.Size {
		return []string{text}, nil
	}

	step := s.Size - s.Overlap
	chunks := make([]string, 0, (total-s.Overlap+step-1)/step)
	for start := 0; start < total; start += step {
		end := min(start+s.Size, total)
		chunks = append(chunks, string(runes[start:end]))
		if end == total {
			break
		}
	}

	return chunks, nil
}

// RecursiveSplitter prefers paragraph, line and sentence boundaries and falls
// back to smaller separators when a piece is still larger than the size.
type RecursiveSplitter struct {
	impl document.Transformer
}

func NewRecursiveSplitter(ctx context.Context, size, overlap int) (*RecursiveSplitter, error) {
	if err := validateWindow(size, overlap); err != nil {
		return nil, err
	}

	impl, err := recursive.NewSplitter(ctx, &recursive.Config{
		ChunkSize:   size,
		OverlapSize: overlap,
		Separators:  []string{"\n\n", "\n", ". ", " "},
		LenFunc: func(s string) int {
			return len([]rune(s))
		},
		KeepType: recursive.KeepTypeEnd,
	})
	if err != nil {
		return nil, fmt.Errorf("create recursive splitter: %w", err)
	}

	return &RecursiveSplitter{impl: impl}, nil
}

func (s *RecursiveSplitter) Split(ctx context.Context, text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	docs, err := s.impl.Transform(ctx, []*schema.Document{{Content: text}})
	if err != nil {
		return nil, fmt.Errorf("recursive split: %w", err)
	}

	chunks := make([]string, 0, len(docs))
	for _, doc := range docs {
		if doc == nil || strings.TrimSpace(doc.Content) == "" {
			continue
		}
		chunks = append(chunks, doc.Content)
	}
	return chunks, nil
}

func validateWindow(size, overlap int) error {
	if size <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return fmt.Errorf("chunk overlap must be in [0, %d), got %d", size, overlap)
	}
	return nil
}
