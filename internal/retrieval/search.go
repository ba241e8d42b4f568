// Package retrieval finds chat messages similar to a query and assembles
// the context lines handed to the reply model.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/comigor/mioo-go/internal/embedding"
	"github.com/comigor/mioo-go/internal/history"
)

const normEpsilon = 1e-12

// EmbeddingSource loads stored vectors for a chat.
type EmbeddingSource interface {
	Embeddings(ctx context.Context, chatID int64) ([]history.EmbeddingRecord, error)
}

// Hit is a message selected by similarity search.
type Hit struct {
	Message history.Message `json:"message"`
	Score   float64         `json:"score"`
}

// Searcher ranks stored messages of a chat against a query.
type Searcher struct {
	store    EmbeddingSource
	embedder embedding.Embedder
}

func NewSearcher(store EmbeddingSource, embedder embedding.Embedder) *Searcher {
	return &Searcher{store: store, embedder: embedder}
}

// Search returns the topK messages most similar to query, presented in
// chronological order. Records whose width differs from the query vector
// are skipped.
func (s *Searcher) Search(ctx context.Context, chatID int64, query string, topK int) ([]Hit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	q, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(q) == 0 {
		return nil, nil
	}

	records, err := s.store.Embeddings(ctx, chatID)
	if err != nil {
		return nil, err
	}

	candidates := make([]history.Message, 0, len(records))
	vectors := make([][]float32, 0, len(records))
	for _, r := range records {
		if r.Dim != len(q) {
			continue
		}
		v := embedding.Unpack(r.Vector, r.Dim)
		if len(v) != len(q) {
			// stored dim lies about the buffer; refuse to compare ragged rows
			return nil, nil
		}
		candidates = append(candidates, r.Message)
		vectors = append(vectors, v)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	qNorm := norm(q)
	hits := make([]Hit, len(candidates))
	for i, v := range vectors {
		hits[i] = Hit{Message: candidates[i], Score: dot(v, q) / ((norm(v) + normEpsilon) * (qNorm + normEpsilon))}
	}

	k := min(max(topK, 1), len(hits))
	selectTop(hits, k)
	top := hits[:k]
	sort.SliceStable(top, func(i, j int) bool { return better(top[i], top[j]) })

	out := make([]Hit, k)
	copy(out, top)
	sort.SliceStable(out, func(i, j int) bool { return chronological(out[i].Message, out[j].Message) })
	return out, nil
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func norm(v []float32) float64 { return math.Sqrt(dot(v, v)) }

// better orders by descending score, then by id so ties are stable.
func better(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Message.ID > b.Message.ID
}

func chronological(a, b history.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// selectTop partially orders hits so that hits[:k] holds the k best
// entries in no particular order.
func selectTop(hits []Hit, k int) {
	lo, hi := 0, len(hits)-1
	for lo < hi {
		p := partition(hits, lo, hi)
		switch {
		case p == k-1:
			return
		case p < k-1:
			lo = p + 1
		default:
			hi = p - 1
		}
	}
}

// partition uses a median-of-three pivot and returns its final index;
// everything left of it is better than the pivot.
func partition(hits []Hit, lo, hi int) int {
	mid := lo + (hi-lo)/2
	if better(hits[mid], hits[lo]) {
		hits[mid], hits[lo] = hits[lo], hits[mid]
	}
	if better(hits[hi], hits[lo]) {
		hits[hi], hits[lo] = hits[lo], hits[hi]
	}
	if better(hits[hi], hits[mid]) {
		hits[hi], hits[mid] = hits[mid], hits[hi]
	}
	// median now at mid; park it at hi
	hits[mid], hits[hi] = hits[hi], hits[mid]
	pivot := hits[hi]
	store := lo
	for i := lo; i < hi; i++ {
		if better(hits[i], pivot) {
			hits[i], hits[store] = hits[store], hits[i]
			store++
		}
	}
	hits[store], hits[hi] = hits[hi], hits[store]
	return store
}
