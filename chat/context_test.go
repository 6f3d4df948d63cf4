package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fabfab/docbase-rag/vectorindex"
)

func TestFormatContext(t *testing.T) {
	results := []vectorindex.Result{
		{Text: "Revenue grew 12%.\n", Metadata: map[string]string{"source": "q3.pdf"}},
		{Text: "Costs were flat.", Metadata: map[string]string{"source": "notes/q3.md"}},
	}

	got := FormatContext(results, map[string]int{"q3.pdf": 14})
	assert.Equal(t, "[Source: q3.pdf] (14 chunks indexed)\nRevenue grew 12%.\n\n[Source: notes/q3.md]\nCosts were flat.", got)
}

func TestFormatContextEmpty(t *testing.T) {
	assert.Equal(t, NoContext, FormatContext(nil, nil))
}

func TestSourcesDeduplicatesInRankOrder(t *testing.T) {
	results := []vectorindex.Result{
		{Metadata: map[string]string{"source": "b.md"}},
		{Metadata: map[string]string{"source": "a.md"}},
		{Metadata: map[string]string{"source": "b.md"}},
		{Metadata: map[string]string{}},
	}
	assert.Equal(t, []string{"b.md", "a.md"}, Sources(results))
}
