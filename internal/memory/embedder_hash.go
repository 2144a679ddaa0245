package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
)

// HashEmbedder derives a deterministic unit vector from the text hash. It
// has no semantic quality and exists for offline runs and tests.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 64
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: hash: empty text", ErrEmbeddingUnavailable)
	}
	f := fnv.New64a()
	_, _ = f.Write([]byte(text))
	seed := f.Sum64()

	vec := make([]float32, h.dim)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float64(int64(seed)) / float64(math.MaxInt64)
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}
