// Package similarity ranks stored chunks against a query vector.
package similarity

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/embedding"
	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/knowledge"
)

type Scored struct {
	knowledge.Candidate
	Score float64
}

// Rank returns the k candidates most similar to query, best first. Equal scores
// are ordered by chunk index, then document ID, so the result is deterministic.
func Rank(query []float32, candidates []knowledge.Candidate, k int) ([]Scored, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: %d", knowledge.ErrInvalidTopK, k)
	}
	scored := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		s, err := embedding.Cosine(query, c.Vector)
		if err != nil {
			return nil, fmt.Errorf("document %s chunk %d: %w", c.DocumentID, c.Index, err)
		}
		scored = append(scored, Scored{Candidate: c, Score: s})
	}

	slices.SortFunc(scored, func(a, b Scored) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Index, b.Index); c != 0 {
			return c
		}
		return cmp.Compare(a.DocumentID, b.DocumentID)
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}
