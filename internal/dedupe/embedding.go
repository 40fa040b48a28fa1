package dedupe

import (
	"context"
	"math"

	"github.com/rotisserie/eris"

	"github.com/n8layman/ecoextract/pkg/openai"
)

// EmbeddingStrategy compares field values by cosine similarity of their
// embeddings. All distinct values across both batches are embedded in one
// provider call.
type EmbeddingStrategy struct {
	embedder  openai.Embedder
	threshold float64
}

func NewEmbedding(embedder openai.Embedder, threshold float64) *EmbeddingStrategy {
	return &EmbeddingStrategy{embedder: embedder, threshold: threshold}
}

func (s *EmbeddingStrategy) Keep(ctx context.Context, candidates, existing []Tuple) ([]bool, error) {
	vectors, err := s.embedDistinct(ctx, candidates, existing)
	if err != nil {
		return nil, err
	}

	keep := make([]bool, len(candidates))
	for i, cand := range candidates {
		dup := false
		for _, ex := range existing {
			if s.pairDuplicate(cand, ex, vectors) {
				dup = true
				break
			}
		}
		keep[i] = !dup
	}
	return keep, nil
}

func (s *EmbeddingStrategy) pairDuplicate(a, b Tuple, vectors map[string][]float64) bool {
	for i := range a {
		ca, cb := Canonicalize(a[i]), Canonicalize(b[i])
		if ca == "" && cb == "" {
			return false
		}
		// A value present on only one side cannot match it.
		if ca == "" || cb == "" {
			return false
		}
		if ca == cb {
			continue
		}
		if Cosine(vectors[ca], vectors[cb]) < s.threshold {
			return false
		}
	}
	return true
}

func (s *EmbeddingStrategy) embedDistinct(ctx context.Context, candidates, existing []Tuple) (map[string][]float64, error) {
	seen := make(map[string]struct{})
	var values []string
	collect := func(ts []Tuple) {
		for _, t := range ts {
			for _, v := range t {
				c := Canonicalize(v)
				if c == "" {
					continue
				}
				if _, ok := seen[c]; !ok {
					seen[c] = struct{}{}
					values = append(values, c)
				}
			}
		}
	}
	collect(candidates)
	collect(existing)

	embeddings, err := s.embedder.Embed(ctx, values)
	if err != nil {
		return nil, eris.Wrap(err, "dedupe: embed values")
	}
	if len(embeddings) != len(values) {
		return nil, eris.Errorf("dedupe: got %d embeddings for %d values", len(embeddings), len(values))
	}

	vectors := make(map[string][]float64, len(values))
	for i, v := range values {
		vectors[v] = embeddings[i]
	}
	return vectors, nil
}

// Cosine computes the cosine similarity of two vectors. Mismatched or empty
// vectors score 0.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
