package embedding

import (
	"fmt"
	"math"

	"github.com/cwru-xlab/case-study-ai-avatar-sub003/internal/knowledge"
)

// Cosine returns dot(a,b)/(|a||b|) computed in float64. A zero vector scores 0.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", knowledge.ErrDimensionMismatch, len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}
