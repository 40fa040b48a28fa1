package anthropic

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// RefusalError indicates the model declined to produce output for a request.
type RefusalError struct {
	Model      string
	StopReason string
}

func (e *RefusalError) Error() string {
	return "anthropic: model " + e.Model + " refused (stop_reason=" + e.StopReason + ")"
}

// BuildCachedSystemBlocks constructs system content blocks with a cache
// breakpoint set to a 1-hour TTL. A document's OCR text is sent as a cached
// system block so the metadata, extraction, and refinement calls for the same
// document hit the warm cache.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: "1h",
			},
		},
	}
}

// FirstText concatenates the text blocks of a response.
func FirstText(resp *MessageResponse) string {
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "" || b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// CleanJSON strips markdown fences and extracts the outermost JSON value.
func CleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.IndexAny(text, "{[")
	if start >= 0 {
		closer := "}"
		if text[start] == '[' {
			closer = "]"
		}
		if end := strings.LastIndex(text, closer); end > start {
			text = text[start : end+1]
		}
	}

	return strings.TrimSpace(text)
}

// CreateWithFallback tries models in order until one returns usable text.
// Failures before the last model are logged and swallowed; the final model's
// error is returned.
func CreateWithFallback(ctx context.Context, client Client, models []string, req MessageRequest) (*MessageResponse, error) {
	if len(models) == 0 {
		return nil, eris.New("anthropic: no models configured")
	}

	var lastErr error
	for _, model := range models {
		req.Model = model
		resp, err := client.CreateMessage(ctx, req)
		if err != nil {
			lastErr = err
			zap.L().Warn("model call failed, trying next",
				zap.String("model", model),
				zap.Error(err),
			)
			continue
		}
		if resp.StopReason == "refusal" {
			lastErr = &RefusalError{Model: model, StopReason: resp.StopReason}
			zap.L().Warn("model refused, trying next", zap.String("model", model))
			continue
		}
		return resp, nil
	}
	return nil, eris.Wrap(lastErr, "anthropic: all models failed")
}
