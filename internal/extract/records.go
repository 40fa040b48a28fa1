package extract

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/n8layman/ecoextract/internal/schema"
	"github.com/n8layman/ecoextract/pkg/anthropic"
)

// RecordExtractor asks an LLM for the paper's occurrence records, validates
// the response against the active schema, and coerces values to their
// declared types.
type RecordExtractor struct {
	client    anthropic.Client
	models    []string
	maxTokens int64
	sch       *schema.Schema
}

func NewRecordExtractor(client anthropic.Client, models []string, maxTokens int64, sch *schema.Schema) *RecordExtractor {
	return &RecordExtractor{client: client, models: models, maxTokens: maxTokens, sch: sch}
}

// Extraction is one successful extraction call.
type Extraction struct {
	// Records holds coerced field maps in response order. May be empty:
	// a paper with no extractable records is a valid terminal state.
	Records    []map[string]any
	Model      string
	PromptHash string
}

func (e *RecordExtractor) prompt() string {
	var sb strings.Builder
	sb.WriteString(extractionPromptPreamble)
	sb.WriteString("\n\n")
	sb.Write(e.sch.JSON())
	sb.WriteString("\n\n")
	sb.WriteString(extractionPromptCoda)
	return sb.String()
}

// Hash fingerprints the extraction prompt including the schema.
func (e *RecordExtractor) Hash() string {
	return PromptHash(e.prompt())
}

func (e *RecordExtractor) Extract(ctx context.Context, ocrText string) (*Extraction, error) {
	resp, err := anthropic.CreateWithFallback(ctx, e.client, e.models, anthropic.MessageRequest{
		MaxTokens: e.maxTokens,
		System:    anthropic.BuildCachedSystemBlocks(ocrText),
		Messages:  []anthropic.Message{{Role: "user", Content: e.prompt()}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "extract: records call")
	}
	resp.Usage.LogCost(resp.Model, "extraction")

	text := anthropic.CleanJSON(anthropic.FirstText(resp))
	var payload struct {
		Records []map[string]any `json:"records"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, eris.Wrapf(err, "extract: parse records response")
	}

	if err := e.sch.ValidatePayload([]byte(text)); err != nil {
		return nil, eris.Wrap(err, "extract: response violates schema")
	}

	records := make([]map[string]any, 0, len(payload.Records))
	for i, raw := range payload.Records {
		coerced := make(map[string]any, len(raw))
		for name, value := range raw {
			f, ok := e.sch.Field(name)
			if !ok {
				zap.L().Debug("dropping undeclared field from response",
					zap.String("field", name), zap.Int("record", i))
				continue
			}
			v, err := schema.Coerce(f, value)
			if err != nil {
				return nil, eris.Wrapf(err, "extract: record %d field %s", i, name)
			}
			if v != nil {
				coerced[name] = v
			}
		}
		records = append(records, coerced)
	}

	return &Extraction{
		Records:    records,
		Model:      resp.Model,
		PromptHash: e.Hash(),
	}, nil
}
