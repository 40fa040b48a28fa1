package dedupe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/n8layman/ecoextract/pkg/anthropic"
)

const semanticSystemPrompt = `You compare records extracted from scientific literature.
You are given NEW records and EXISTING records, each listed with an index and the values of their identifying fields.
A NEW record is a duplicate when it refers to the same observation as some EXISTING record, even if the values are spelled differently or use synonymous scientific names.
Respond with only a JSON object of the form {"keep": [<indices of NEW records that are NOT duplicates>]}.`

// SemanticStrategy asks an LLM which candidates are genuinely new. One call
// covers the whole batch. Ambiguous responses fail open: an unparseable or
// empty reply keeps every candidate rather than silently dropping data.
type SemanticStrategy struct {
	client anthropic.Client
	models []string
	fields []string
}

func NewSemantic(client anthropic.Client, models, uniqueFields []string) *SemanticStrategy {
	return &SemanticStrategy{client: client, models: models, fields: uniqueFields}
}

type keepResponse struct {
	Keep []int `json:"keep"`
}

func (s *SemanticStrategy) Keep(ctx context.Context, candidates, existing []Tuple) ([]bool, error) {
	keepAll := make([]bool, len(candidates))
	for i := range keepAll {
		keepAll[i] = true
	}

	resp, err := anthropic.CreateWithFallback(ctx, s.client, s.models, anthropic.MessageRequest{
		MaxTokens: 4096,
		System:    []anthropic.SystemBlock{{Text: semanticSystemPrompt}},
		Messages: []anthropic.Message{
			{Role: "user", Content: s.renderBatches(candidates, existing)},
		},
	})
	if err != nil {
		zap.L().Warn("semantic dedupe call failed, keeping all candidates", zap.Error(err))
		return keepAll, nil
	}

	text := anthropic.CleanJSON(anthropic.FirstText(resp))
	if text == "" {
		zap.L().Warn("semantic dedupe returned empty response, keeping all candidates")
		return keepAll, nil
	}

	var parsed keepResponse
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		zap.L().Warn("semantic dedupe returned malformed JSON, keeping all candidates",
			zap.Error(err), zap.String("response", text))
		return keepAll, nil
	}

	// A well-formed empty keep array means every candidate is a duplicate.
	keep := make([]bool, len(candidates))
	for _, idx := range parsed.Keep {
		if idx >= 0 && idx < len(keep) {
			keep[idx] = true
		}
	}
	return keep, nil
}

func (s *SemanticStrategy) renderBatches(candidates, existing []Tuple) string {
	var sb strings.Builder
	sb.WriteString("Identifying fields: ")
	sb.WriteString(strings.Join(s.fields, ", "))
	sb.WriteString("\n\nNEW records:\n")
	renderTuples(&sb, s.fields, candidates)
	sb.WriteString("\nEXISTING records:\n")
	renderTuples(&sb, s.fields, existing)
	return sb.String()
}

func renderTuples(sb *strings.Builder, fields []string, ts []Tuple) {
	for i, t := range ts {
		fmt.Fprintf(sb, "%d: ", i)
		for j, f := range fields {
			if j > 0 {
				sb.WriteString("; ")
			}
			v := t[j]
			if v == "" {
				v = "(empty)"
			}
			fmt.Fprintf(sb, "%s=%s", f, v)
		}
		sb.WriteString("\n")
	}
}
