package vector

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

const defaultHashDimensions = 384

// HashEmbedder derives a deterministic unit vector from the text hash. It
// needs no network and keeps identical texts at identical points, which is
// enough for offline runs and tests.
type HashEmbedder struct {
	dimensions int
}

func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = defaultHashDimensions
	}
	return &HashEmbedder{dimensions: dimensions}
}

func (h *HashEmbedder) Dimensions() int { return h.dimensions }

func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	sum := fnv.New64a()
	sum.Write([]byte(strings.TrimSpace(text)))
	seed := sum.Sum64()

	vec := make([]float32, h.dimensions)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(vec), nil
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		vec[i] = float32(float64(v) / norm)
	}
	return vec
}
