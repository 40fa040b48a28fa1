package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/n8layman/ecoextract/internal/model"
	"github.com/n8layman/ecoextract/internal/schema"
	"github.com/n8layman/ecoextract/pkg/anthropic"
)

// Refiner asks an LLM to enrich the descriptive fields of records already
// extracted for a document. It proposes updates only; it can never mint a
// record, and it never touches identifying fields.
type Refiner struct {
	client    anthropic.Client
	models    []string
	maxTokens int64
	sch       *schema.Schema
}

func NewRefiner(client anthropic.Client, models []string, maxTokens int64, sch *schema.Schema) *Refiner {
	return &Refiner{client: client, models: models, maxTokens: maxTokens, sch: sch}
}

// Refine returns proposed field updates keyed by business record_id. Records
// flagged human_edited or deleted_by_user are withheld from the prompt so the
// model cannot propose overwriting them.
func (r *Refiner) Refine(ctx context.Context, ocrText string, records []model.Record) (map[string]map[string]any, error) {
	eligible := make([]model.Record, 0, len(records))
	for _, rec := range records {
		if rec.HumanEdited || rec.DeletedByUser {
			continue
		}
		eligible = append(eligible, rec)
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	resp, err := anthropic.CreateWithFallback(ctx, r.client, r.models, anthropic.MessageRequest{
		MaxTokens: r.maxTokens,
		System:    anthropic.BuildCachedSystemBlocks(ocrText),
		Messages:  []anthropic.Message{{Role: "user", Content: r.prompt(eligible)}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "extract: refinement call")
	}
	resp.Usage.LogCost(resp.Model, "refinement")

	text := anthropic.CleanJSON(anthropic.FirstText(resp))
	var payload struct {
		Records []map[string]any `json:"records"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, eris.Wrap(err, "extract: parse refinement response")
	}

	known := make(map[string]struct{}, len(eligible))
	for _, rec := range eligible {
		known[rec.RecordID] = struct{}{}
	}

	unique := make(map[string]struct{})
	for _, f := range r.sch.UniqueFields() {
		unique[f] = struct{}{}
	}

	updates := make(map[string]map[string]any)
	for _, raw := range payload.Records {
		id, _ := raw["record_id"].(string)
		if _, ok := known[id]; !ok {
			// A previously-unseen record_id would be an insert in disguise.
			zap.L().Warn("refinement proposed unknown record_id, dropping", zap.String("record_id", id))
			continue
		}
		fields := make(map[string]any)
		for name, value := range raw {
			if name == "record_id" {
				continue
			}
			f, ok := r.sch.Field(name)
			if !ok {
				continue
			}
			if _, isUnique := unique[name]; isUnique {
				zap.L().Warn("refinement proposed identifying-field change, dropping",
					zap.String("record_id", id), zap.String("field", name))
				continue
			}
			v, err := schema.Coerce(f, value)
			if err != nil {
				return nil, eris.Wrapf(err, "extract: refinement of %s field %s", id, name)
			}
			if v != nil {
				fields[name] = v
			}
		}
		if len(fields) > 0 {
			updates[id] = fields
		}
	}
	return updates, nil
}

func (r *Refiner) prompt(records []model.Record) string {
	var sb strings.Builder
	sb.WriteString(refinementPromptPreamble)
	sb.WriteString("\n\n")
	for _, rec := range records {
		entry := map[string]any{"record_id": rec.RecordID}
		for _, f := range r.sch.Fields() {
			if v := rec.Field(f.Name); v != nil {
				entry[f.Name] = v
			}
		}
		data, err := json.Marshal(entry)
		if err != nil {
			fmt.Fprintf(&sb, "{\"record_id\": %q}\n", rec.RecordID)
			continue
		}
		sb.Write(data)
		sb.WriteString("\n")
	}
	return sb.String()
}
