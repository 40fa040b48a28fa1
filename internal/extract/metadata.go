package extract

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/n8layman/ecoextract/internal/model"
	"github.com/n8layman/ecoextract/pkg/anthropic"
)

// MetadataExtractor asks an LLM for a paper's bibliographic metadata.
type MetadataExtractor struct {
	client    anthropic.Client
	models    []string
	maxTokens int64
}

func NewMetadataExtractor(client anthropic.Client, models []string, maxTokens int64) *MetadataExtractor {
	return &MetadataExtractor{client: client, models: models, maxTokens: maxTokens}
}

type metadataPayload struct {
	Title   *string `json:"title"`
	Author  *string `json:"author"`
	Year    *int    `json:"year"`
	DOI     *string `json:"doi"`
	Journal *string `json:"journal"`
}

// Extract returns the paper's metadata. It fails when the response carries
// none of title, author, or year, since such a result would immediately
// desync the metadata stage.
func (e *MetadataExtractor) Extract(ctx context.Context, ocrText string) (model.Metadata, error) {
	resp, err := anthropic.CreateWithFallback(ctx, e.client, e.models, anthropic.MessageRequest{
		MaxTokens: e.maxTokens,
		System:    anthropic.BuildCachedSystemBlocks(ocrText),
		Messages:  []anthropic.Message{{Role: "user", Content: metadataPrompt}},
	})
	if err != nil {
		return model.Metadata{}, eris.Wrap(err, "extract: metadata call")
	}
	resp.Usage.LogCost(resp.Model, "metadata")

	var payload metadataPayload
	text := anthropic.CleanJSON(anthropic.FirstText(resp))
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return model.Metadata{}, eris.Wrapf(err, "extract: parse metadata response %q", text)
	}

	meta := model.Metadata{
		Title:   emptyToNil(payload.Title),
		Author:  emptyToNil(payload.Author),
		Year:    payload.Year,
		DOI:     emptyToNil(payload.DOI),
		Journal: emptyToNil(payload.Journal),
	}
	if !meta.HasAny() {
		return model.Metadata{}, eris.New("extract: response carried no title, author, or year")
	}
	return meta, nil
}

func emptyToNil(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
