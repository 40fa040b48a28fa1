package model

import "time"

// Metadata holds the bibliographic fields extracted for a document. Every
// field is optional until the metadata stage has run.
type Metadata struct {
	Title   *string `json:"title,omitempty"`
	Author  *string `json:"author,omitempty"`
	Year    *int    `json:"year,omitempty"`
	DOI     *string `json:"doi,omitempty"`
	Journal *string `json:"journal,omitempty"`
}

// HasAny reports whether at least one of title, first author, or publication
// year carries data. This is the metadata stage's data-existence predicate.
func (m Metadata) HasAny() bool {
	return m.Title != nil || m.Author != nil || m.Year != nil
}

// Document is one ingested source file. Created once per unique content hash;
// stage statuses are mutated only by the orchestrator and the document row is
// never deleted automatically.
type Document struct {
	ID          string                `json:"id"`
	SourcePath  string                `json:"source_path"`
	ContentHash string                `json:"content_hash"`
	OCRText     string                `json:"-"`
	Meta        Metadata              `json:"metadata"`
	Statuses    map[Stage]StageStatus `json:"-"`
	ReviewedAt  *time.Time            `json:"reviewed_at,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// Status returns the document's status for stage, defaulting to unset.
func (d *Document) Status(stage Stage) StageStatus {
	if d.Statuses == nil {
		return StageStatus{Kind: StatusUnset}
	}
	return d.Statuses[stage]
}

// Reviewed reports whether a human has signed off on the document.
func (d *Document) Reviewed() bool {
	return d.ReviewedAt != nil
}
