package embedding

import (
	"context"
	"fmt"
	"hash/crc32"
	"math"
	"strings"
)

const normEpsilon = 1e-12

// HashEmbedder hashes byte n-grams (3..5) of the lowercased text into Dim
// buckets and L2-normalizes the counts. It is deterministic and needs no
// external service.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = DefaultHashDim
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Dim() int { return h.dim }

func (h *HashEmbedder) Model() string { return fmt.Sprintf("hash-ngram-%d", h.dim) }

func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return h.Vector(text), nil
}

// Vector returns the embedding of text. Empty or whitespace-only input
// yields the zero vector.
func (h *HashEmbedder) Vector(text string) []float32 {
	vec := make([]float32, h.dim)
	s := strings.ToLower(strings.TrimSpace(text))
	if s == "" {
		return vec
	}
	b := []byte(s)
	dim := uint32(h.dim)
	for n := 3; n <= 5; n++ {
		for i := 0; i+n <= len(b); i++ {
			vec[crc32.ChecksumIEEE(b[i:i+n])%dim]++
		}
	}
	normalize(vec)
	return vec
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm <= normEpsilon {
		return
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}
