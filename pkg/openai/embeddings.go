// Package openai wraps the OpenAI embeddings API for duplicate detection.
package openai

import (
	"context"

	sdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/rotisserie/eris"
)

// maxBatchSize caps the number of inputs per embeddings request.
const maxBatchSize = 512

// Embedder produces vector embeddings for a batch of texts.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

type client struct {
	sdk   sdk.Client
	model string
}

// NewEmbedder creates an Embedder backed by the OpenAI API. An empty model
// defaults to text-embedding-3-small.
func NewEmbedder(apiKey, model string) Embedder {
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &client{
		sdk:   sdk.NewClient(option.WithAPIKey(apiKey)),
		model: model,
	}
}

func (c *client) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float64, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchSize {
		end := min(start+maxBatchSize, len(texts))
		batch := texts[start:end]

		resp, err := c.sdk.Embeddings.New(ctx, sdk.EmbeddingNewParams{
			Input: sdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: batch},
			Model: sdk.EmbeddingModel(c.model),
		})
		if err != nil {
			return nil, eris.Wrap(err, "openai: create embeddings")
		}
		if len(resp.Data) != len(batch) {
			return nil, eris.Errorf("openai: got %d embeddings for %d inputs", len(resp.Data), len(batch))
		}
		for _, d := range resp.Data {
			out = append(out, d.Embedding)
		}
	}
	return out, nil
}
