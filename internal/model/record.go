package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Record is one extracted row belonging to exactly one document. ID is the
// immutable surrogate key used for all internal joins; RecordID is the
// human-readable business key, generated once at creation and editable by a
// reviewer afterwards.
type Record struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	RecordID   string `json:"record_id"`

	// Fields holds the schema-declared domain values keyed by field name.
	Fields map[string]any `json:"fields"`

	AddedByUser   bool `json:"added_by_user"`
	DeletedByUser bool `json:"deleted_by_user"`
	HumanEdited   bool `json:"human_edited"`

	LLMModel    string    `json:"llm_model,omitempty"`
	PromptHash  string    `json:"prompt_hash,omitempty"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// Field returns the named domain field value, nil when absent.
func (r *Record) Field(name string) any {
	if r.Fields == nil {
		return nil
	}
	return r.Fields[name]
}

var nonAlnum = regexp.MustCompile(`[^A-Za-z0-9]+`)

// NewRecordID builds the {AuthorYear}-o{N} business key. The author surname is
// stripped to alphanumerics; a missing author or year degrades to "Unknown"
// so the ordinal suffix still keeps keys unique within a document.
func NewRecordID(author *string, year *int, ordinal int) string {
	base := "Unknown"
	if author != nil {
		// First token of the author string is treated as the surname for
		// "Surname, First" style metadata; fall back to the whole string.
		name := strings.TrimSpace(*author)
		if idx := strings.IndexAny(name, ",;"); idx > 0 {
			name = name[:idx]
		}
		name = nonAlnum.ReplaceAllString(name, "")
		if name != "" {
			base = name
		}
	}
	if year != nil {
		base += strconv.Itoa(*year)
	}
	return fmt.Sprintf("%s-o%d", base, ordinal)
}

var ordinalSuffix = regexp.MustCompile(`-o(\d+)$`)

// MaxOrdinal returns the highest -o{N} suffix among the given records'
// business keys. Keys a reviewer rewrote without the suffix count as zero.
func MaxOrdinal(records []Record) int {
	max := 0
	for _, r := range records {
		m := ordinalSuffix.FindStringSubmatch(r.RecordID)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > max {
			max = n
		}
	}
	return max
}
