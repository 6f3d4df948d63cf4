package vectorindex

import (
	"math"
	"sort"
)

// rankBySimilarity scores records against query with cosine similarity and
// returns the k best. Ties keep insertion order.
func rankBySimilarity(records []Record, query []float32, k int) []Result {
	type scored struct {
		record Record
		score  float64
	}

	ranked := make([]scored, 0, len(records))
	for _, rec := range records {
		ranked = append(ranked, scored{record: rec, score: cosineSimilarity(query, rec.Embedding)})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	if len(ranked) > k {
		ranked = ranked[:k]
	}

	results := make([]Result, len(ranked))
	for i, r := range ranked {
		results[i] = Result{
			ID:       r.record.ID,
			Text:     r.record.Text,
			Metadata: copyMetadata(r.record.Metadata),
			Score:    r.score,
		}
	}
	return results
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func copyMetadata(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
