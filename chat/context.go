package chat

import (
	"fmt"
	"strings"

	"github.com/fabfab/docbase-rag/vectorindex"
)

// NoContext is substituted when retrieval returned nothing.
const NoContext = "No relevant context found."

// FormatContext renders retrieved chunks for the answer prompt, one block per
// chunk in rank order. counts, when non-nil, adds how many chunks each source
// contributed to the base.
func FormatContext(results []vectorindex.Result, counts map[string]int) string {
	if len(results) == 0 {
		return NoContext
	}

	var sb strings.Builder
	for i, result := range results {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		source := result.Source()
		if source == "" {
			source = "unknown"
		}
		fmt.Fprintf(&sb, "[Source: %s]", source)
		if n := counts[source]; n > 0 {
			fmt.Fprintf(&sb, " (%d chunks indexed)", n)
		}
		sb.WriteString("\n")
		sb.WriteString(strings.TrimSpace(result.Text))
	}
	return sb.String()
}

// Sources lists the distinct sources of results in rank order.
func Sources(results []vectorindex.Result) []string {
	seen := make(map[string]struct{}, len(results))
	sources := make([]string, 0, len(results))
	for _, result := range results {
		source := result.Source()
		if source == "" {
			continue
		}
		if _, ok := seen[source]; ok {
			continue
		}
		seen[source] = struct{}{}
		sources = append(sources, source)
	}
	return sources
}
