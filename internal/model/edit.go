package model

import "time"

// RecordEdit is one column-level change made during human review. The ledger
// is append-only: rows are never updated or deleted.
type RecordEdit struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`

	// RecordID is the record's surrogate id (records.id), not the business
	// key: reviewers may rewrite the business key, so the surrogate is the
	// only stable join for diffing.
	RecordID string `json:"record_id"`

	Column   string    `json:"column"`
	OldValue *string   `json:"old_value,omitempty"`
	NewValue *string   `json:"new_value,omitempty"`
	EditedAt time.Time `json:"edited_at"`
}
