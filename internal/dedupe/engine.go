// Package dedupe filters newly extracted records against records already
// persisted for a document, so reprocessing never writes duplicate rows.
package dedupe

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/n8layman/ecoextract/internal/model"
	"github.com/n8layman/ecoextract/internal/schema"
)

// Method selects a similarity strategy.
type Method string

const (
	MethodLexical   Method = "lexical"
	MethodEmbedding Method = "embedding"
	MethodSemantic  Method = "semantic"
)

// ParseMethod validates a configured method name. An empty name defaults to
// lexical, which needs no network access.
func ParseMethod(raw string) (Method, error) {
	switch Method(raw) {
	case "":
		return MethodLexical, nil
	case MethodLexical, MethodEmbedding, MethodSemantic:
		return Method(raw), nil
	default:
		return "", eris.Errorf("unknown dedupe method %q (want lexical, embedding, or semantic)", raw)
	}
}

// Tuple holds a record's unique-field values in schema order, stringified.
// An empty string means the field carried no data.
type Tuple []string

// Strategy decides, for each candidate tuple, whether it is new relative to
// the existing tuples. Implementations return one bool per candidate.
type Strategy interface {
	Keep(ctx context.Context, candidates, existing []Tuple) ([]bool, error)
}

// Result reports the outcome of one deduplication pass.
type Result struct {
	Kept           []model.Record
	DuplicateCount int
}

// Engine applies one Strategy over the schema's unique field set.
type Engine struct {
	strategy Strategy
	fields   []string
}

// New creates an Engine for the schema's x-unique-fields.
func New(strategy Strategy, sch *schema.Schema) *Engine {
	return &Engine{strategy: strategy, fields: sch.UniqueFields()}
}

// Deduplicate returns the candidates not matched to any existing record.
// Existing must include soft-deleted and human-edited rows; callers read it
// fresh from storage immediately before extraction so that externally deleted
// rows fall out of the comparison.
func (e *Engine) Deduplicate(ctx context.Context, candidates, existing []model.Record) (Result, error) {
	if len(candidates) == 0 {
		return Result{}, nil
	}
	if len(existing) == 0 {
		return Result{Kept: candidates}, nil
	}

	candTuples := e.tuples(candidates)
	existTuples := e.tuples(existing)

	keep, err := e.strategy.Keep(ctx, candTuples, existTuples)
	if err != nil {
		return Result{}, eris.Wrap(err, "dedupe: strategy")
	}
	if len(keep) != len(candidates) {
		return Result{}, eris.Errorf("dedupe: strategy returned %d decisions for %d candidates", len(keep), len(candidates))
	}

	var res Result
	for i, k := range keep {
		if k {
			res.Kept = append(res.Kept, candidates[i])
		} else {
			res.DuplicateCount++
			zap.L().Debug("duplicate record discarded",
				zap.String("record_id", candidates[i].RecordID),
				zap.Strings("unique_values", candTuples[i]),
			)
		}
	}
	return res, nil
}

func (e *Engine) tuples(records []model.Record) []Tuple {
	out := make([]Tuple, len(records))
	for i, r := range records {
		t := make(Tuple, len(e.fields))
		for j, f := range e.fields {
			t[j] = formatValue(r.Field(f))
		}
		out[i] = t
	}
	return out
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", x)
	}
}
