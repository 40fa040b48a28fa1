// Package ocr turns scanned PDFs into text for the downstream LLM stages.
package ocr

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/n8layman/ecoextract/internal/config"
)

// minTextChars is the smallest plausible text yield for a scientific paper.
// Scanned PDFs with no text layer make pdftotext succeed with near-empty
// output, which must be treated as an OCR failure.
const minTextChars = 200

// Extractor extracts text content from PDF files.
type Extractor interface {
	ExtractText(ctx context.Context, pdfPath string) (string, error)
}

// NewExtractor creates an Extractor based on config.
func NewExtractor(cfg config.OCRConfig, mistralKey string) (Extractor, error) {
	switch cfg.Provider {
	case "local", "":
		return NewPdfToText(cfg.PdfToTextPath), nil
	case "mistral":
		if mistralKey == "" {
			return nil, eris.New("ocr: mistral provider requires mistral_api_key")
		}
		return NewMistralOCR(mistralKey, cfg.MistralModel), nil
	default:
		return nil, eris.Errorf("ocr: unknown provider %q", cfg.Provider)
	}
}

// checkYield rejects output too short to be a paper's text layer.
func checkYield(pdfPath, text string) (string, error) {
	if len(strings.TrimSpace(text)) < minTextChars {
		return "", eris.Errorf("ocr: %s yielded %d characters of text, likely a scan without a text layer", pdfPath, len(strings.TrimSpace(text)))
	}
	return text, nil
}
