// Package export renders extracted records and document metadata to the
// formats downstream analysis actually consumes: CSV and XLSX for the record
// table, BibTeX for citations.
package export

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/n8layman/ecoextract/internal/model"
	"github.com/n8layman/ecoextract/internal/schema"
)

// Options control which rows an export includes.
type Options struct {
	// IncludeDeleted keeps rows a reviewer soft-deleted. Off by default so
	// exports reflect the reviewed dataset.
	IncludeDeleted bool
}

// fixed columns preceding the schema-defined ones.
var baseHeader = []string{"record_id", "document", "author", "year"}

// flag columns trailing the schema-defined ones.
var flagHeader = []string{"added_by_user", "human_edited", "llm_model"}

func header(sch *schema.Schema) []string {
	h := append([]string{}, baseHeader...)
	h = append(h, sch.FieldNames()...)
	return append(h, flagHeader...)
}

// row flattens one record to strings in header order.
func row(sch *schema.Schema, doc model.Document, rec model.Record) []string {
	author, year := "", ""
	if doc.Meta.Author != nil {
		author = *doc.Meta.Author
	}
	if doc.Meta.Year != nil {
		year = strconv.Itoa(*doc.Meta.Year)
	}

	cells := []string{rec.RecordID, doc.SourcePath, author, year}
	for _, name := range sch.FieldNames() {
		cells = append(cells, cellString(rec.Field(name)))
	}
	return append(cells,
		strconv.FormatBool(rec.AddedByUser),
		strconv.FormatBool(rec.HumanEdited),
		rec.LLMModel,
	)
}

func cellString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []string:
		return strings.Join(t, "; ")
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = cellString(e)
		}
		return strings.Join(parts, "; ")
	default:
		return fmt.Sprintf("%v", t)
	}
}

func included(rec model.Record, opts Options) bool {
	return opts.IncludeDeleted || !rec.DeletedByUser
}
