package export

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/n8layman/ecoextract/internal/model"
	"github.com/n8layman/ecoextract/internal/store"
)

// WriteBibTeX writes one @article entry per document that has any metadata.
// Documents whose metadata stage has not produced anything are skipped.
func WriteBibTeX(ctx context.Context, w io.Writer, st store.Store) error {
	docs, err := st.ListDocuments(ctx)
	if err != nil {
		return eris.Wrap(err, "export: list documents")
	}

	seen := make(map[string]int)
	for _, doc := range docs {
		if !doc.Meta.HasAny() {
			continue
		}
		key := citeKey(doc.Meta, seen)
		if _, err := io.WriteString(w, renderEntry(key, doc.Meta)); err != nil {
			return eris.Wrap(err, "export: write bibtex entry")
		}
	}
	return nil
}

var nonKeyChars = regexp.MustCompile(`[^A-Za-z0-9]+`)

// citeKey builds AuthorYear keys, suffixing a, b, c on collision.
func citeKey(meta model.Metadata, seen map[string]int) string {
	base := "unknown"
	if meta.Author != nil {
		name := strings.TrimSpace(*meta.Author)
		if idx := strings.IndexAny(name, ",;"); idx > 0 {
			name = name[:idx]
		}
		if cleaned := nonKeyChars.ReplaceAllString(name, ""); cleaned != "" {
			base = cleaned
		}
	}
	if meta.Year != nil {
		base += strconv.Itoa(*meta.Year)
	}

	n := seen[base]
	seen[base] = n + 1
	if n == 0 {
		return base
	}
	return base + string(rune('a'+n-1))
}

func renderEntry(key string, meta model.Metadata) string {
	var b strings.Builder
	fmt.Fprintf(&b, "@article{%s,\n", key)
	writeField(&b, "title", meta.Title)
	writeField(&b, "author", meta.Author)
	if meta.Year != nil {
		fmt.Fprintf(&b, "  year = {%d},\n", *meta.Year)
	}
	writeField(&b, "journal", meta.Journal)
	writeField(&b, "doi", meta.DOI)
	b.WriteString("}\n\n")
	return b.String()
}

func writeField(b *strings.Builder, name string, value *string) {
	if value == nil || *value == "" {
		return
	}
	fmt.Fprintf(b, "  %s = {%s},\n", name, *value)
}
