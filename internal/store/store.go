// Package store persists documents, records, and the review audit log. Two
// backends implement the same interface: SQLite (default, single binary) and
// Postgres (shared deployments). Record tables carry schema-defined dynamic
// columns, so both backends are constructed with the active schema.
package store

import (
	"context"
	"time"

	"github.com/n8layman/ecoextract/internal/model"
)

// Store is the persistence boundary shared by pipeline workers, the review
// API, and the accuracy calculator. Every write is a single-document,
// single-row update; no multi-document transactions are needed.
type Store interface {
	Migrate(ctx context.Context) error
	Close() error

	// Documents.
	CreateDocument(ctx context.Context, sourcePath, contentHash string) (*model.Document, error)
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	GetDocumentByHash(ctx context.Context, contentHash string) (*model.Document, error)
	ListDocuments(ctx context.Context) ([]model.Document, error)
	SaveOCRText(ctx context.Context, docID, text string) error
	SaveMetadata(ctx context.Context, docID string, meta model.Metadata) error
	MarkReviewed(ctx context.Context, docID string, at time.Time) error

	// Stage statuses. ClearStageStatus resets to unset (cascade
	// invalidation); SetStageStatus records completion, failure text, or a
	// desync marker.
	SetStageStatus(ctx context.Context, docID string, stage model.Stage, status model.StageStatus) error
	ClearStageStatus(ctx context.Context, docID string, stage model.Stage) error

	// Records. InsertRecords is the only way rows appear from extraction;
	// UpdateRecordFields never inserts. ListRecords returns every persisted
	// row including soft-deleted and human-edited ones.
	InsertRecords(ctx context.Context, records []model.Record) error
	UpdateRecordFields(ctx context.Context, id string, fields map[string]any) error
	GetRecord(ctx context.Context, id string) (*model.Record, error)
	ListRecords(ctx context.Context, docID string) ([]model.Record, error)
	CountRecords(ctx context.Context, docID string) (int, error)
	SetRecordID(ctx context.Context, id, recordID string) error
	SetRecordDeleted(ctx context.Context, id string, deleted bool) error
	SetRecordHumanEdited(ctx context.Context, id string) error

	// Audit log. Append-only.
	AddEdit(ctx context.Context, edit model.RecordEdit) error
	ListEdits(ctx context.Context, docID string) ([]model.RecordEdit, error)
}

// statusColumns maps each stage to its documents-table column.
var statusColumns = map[model.Stage]string{
	model.StageOCR:        "ocr_status",
	model.StageMetadata:   "metadata_status",
	model.StageExtraction: "extraction_status",
	model.StageRefinement: "refinement_status",
}

// recordBaseColumns are the fixed records-table columns preceding the
// schema-defined dynamic ones.
var recordBaseColumns = []string{
	"id", "document_id", "record_id",
	"added_by_user", "deleted_by_user", "human_edited",
	"llm_model", "prompt_hash", "extracted_at",
}
