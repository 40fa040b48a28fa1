package dedupe

import (
	"context"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ngramSize is the fixed character window for lexical comparison.
const ngramSize = 3

// LexicalStrategy compares canonicalized text with character n-gram Jaccard
// similarity. Deterministic and purely local.
type LexicalStrategy struct {
	Threshold float64
}

func NewLexical(threshold float64) *LexicalStrategy {
	return &LexicalStrategy{Threshold: threshold}
}

func (s *LexicalStrategy) Keep(_ context.Context, candidates, existing []Tuple) ([]bool, error) {
	canonExisting := canonicalizeAll(existing)

	keep := make([]bool, len(candidates))
	for i, cand := range candidates {
		canonCand := canonicalizeTuple(cand)
		dup := false
		for _, ex := range canonExisting {
			if s.pairDuplicate(canonCand, ex) {
				dup = true
				break
			}
		}
		keep[i] = !dup
	}
	return keep, nil
}

// pairDuplicate requires every unique field to clear the threshold. A field
// empty on both sides has no defined similarity, which classifies the pair as
// non-duplicate.
func (s *LexicalStrategy) pairDuplicate(a, b Tuple) bool {
	for i := range a {
		if a[i] == "" && b[i] == "" {
			return false
		}
		if Jaccard(a[i], b[i], ngramSize) < s.Threshold {
			return false
		}
	}
	return true
}

// Canonicalize normalizes text for comparison: NFKC Unicode normalization,
// lowercasing, and whitespace collapsing.
func Canonicalize(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}

func canonicalizeTuple(t Tuple) Tuple {
	out := make(Tuple, len(t))
	for i, v := range t {
		out[i] = Canonicalize(v)
	}
	return out
}

func canonicalizeAll(ts []Tuple) []Tuple {
	out := make([]Tuple, len(ts))
	for i, t := range ts {
		out[i] = canonicalizeTuple(t)
	}
	return out
}

// Jaccard computes |intersection|/|union| over the strings' character
// n-gram sets. Strings shorter than n are treated as a single gram.
func Jaccard(a, b string, n int) float64 {
	if a == b {
		if a == "" {
			return 0
		}
		return 1
	}
	ga := ngrams(a, n)
	gb := ngrams(b, n)
	if len(ga) == 0 || len(gb) == 0 {
		return 0
	}

	inter := 0
	for g := range ga {
		if _, ok := gb[g]; ok {
			inter++
		}
	}
	union := len(ga) + len(gb) - inter
	return float64(inter) / float64(union)
}

func ngrams(s string, n int) map[string]struct{} {
	runes := []rune(s)
	out := make(map[string]struct{})
	if len(runes) == 0 {
		return out
	}
	if len(runes) <= n {
		out[string(runes)] = struct{}{}
		return out
	}
	for i := 0; i+n <= len(runes); i++ {
		out[string(runes[i:i+n])] = struct{}{}
	}
	return out
}
