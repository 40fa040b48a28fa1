package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/n8layman/ecoextract/internal/model"
	"github.com/n8layman/ecoextract/internal/schema"
)

// SQLiteStore implements Store using modernc.org/sqlite. WAL mode plus a
// busy timeout gives concurrent document workers multiple readers and a
// bounded wait on write contention.
type SQLiteStore struct {
	db  *sql.DB
	sch *schema.Schema
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string, sch *schema.Schema) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, sch: sch}, nil
}

const sqliteDocumentsDDL = `
CREATE TABLE IF NOT EXISTS documents (
	id                TEXT PRIMARY KEY,
	source_path       TEXT NOT NULL,
	content_hash      TEXT NOT NULL UNIQUE,
	ocr_text          TEXT,
	title             TEXT,
	author            TEXT,
	year              INTEGER,
	doi               TEXT,
	journal           TEXT,
	ocr_status        TEXT,
	metadata_status   TEXT,
	extraction_status TEXT,
	refinement_status TEXT,
	reviewed_at       DATETIME,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_content_hash ON documents(content_hash);
`

const sqliteEditsDDL = `
CREATE TABLE IF NOT EXISTS record_edits (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id),
	record_id   TEXT NOT NULL REFERENCES records(id),
	column_name TEXT NOT NULL,
	old_value   TEXT,
	new_value   TEXT,
	edited_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_record_edits_document_id ON record_edits(document_id);
CREATE INDEX IF NOT EXISTS idx_records_document_id ON records(document_id);
`

// recordsDDL builds the records table with the schema-defined dynamic
// columns appended after the fixed ones. Column types derive mechanically
// from the JSON Schema field types.
func recordsDDL(sch *schema.Schema) string {
	var b strings.Builder
	b.WriteString(`CREATE TABLE IF NOT EXISTS records (
	id              TEXT PRIMARY KEY,
	document_id     TEXT NOT NULL REFERENCES documents(id),
	record_id       TEXT NOT NULL,
	added_by_user   INTEGER NOT NULL DEFAULT 0,
	deleted_by_user INTEGER NOT NULL DEFAULT 0,
	human_edited    INTEGER NOT NULL DEFAULT 0,
	llm_model       TEXT,
	prompt_hash     TEXT,
	extracted_at    DATETIME NOT NULL`)
	for _, f := range sch.Fields() {
		fmt.Fprintf(&b, ",\n\t%q %s", f.Name, schema.ColumnType(f.Type))
	}
	b.WriteString("\n);")
	return b.String()
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	for _, ddl := range []string{sqliteDocumentsDDL, recordsDDL(s.sch), sqliteEditsDDL} {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return eris.Wrap(err, "sqlite: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Documents ---

func (s *SQLiteStore) CreateDocument(ctx context.Context, sourcePath, contentHash string) (*model.Document, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, source_path, content_hash, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, sourcePath, contentHash, now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert document %s", sourcePath)
	}

	return &model.Document{
		ID:          id,
		SourcePath:  sourcePath,
		ContentHash: contentHash,
		Statuses:    map[model.Stage]model.StageStatus{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

const documentSelect = `SELECT id, source_path, content_hash, ocr_text, title, author, year, doi, journal,
	ocr_status, metadata_status, extraction_status, refinement_status,
	reviewed_at, created_at, updated_at FROM documents`

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	row := s.db.QueryRowContext(ctx, documentSelect+` WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("document not found: %s", id)
	}
	return doc, err
}

func (s *SQLiteStore) GetDocumentByHash(ctx context.Context, contentHash string) (*model.Document, error) {
	row := s.db.QueryRowContext(ctx, documentSelect+` WHERE content_hash = ?`, contentHash)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return doc, err
}

func (s *SQLiteStore) ListDocuments(ctx context.Context) ([]model.Document, error) {
	rows, err := s.db.QueryContext(ctx, documentSelect+` ORDER BY created_at`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list documents")
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, eris.Wrap(rows.Err(), "sqlite: list documents iterate")
}

func (s *SQLiteStore) SaveOCRText(ctx context.Context, docID, text string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET ocr_text = ?, updated_at = ? WHERE id = ?`,
		text, time.Now().UTC(), docID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save ocr text %s", docID)
	}
	return checkRowsAffected(res, "document", docID)
}

func (s *SQLiteStore) SaveMetadata(ctx context.Context, docID string, meta model.Metadata) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET title = ?, author = ?, year = ?, doi = ?, journal = ?, updated_at = ? WHERE id = ?`,
		meta.Title, meta.Author, meta.Year, meta.DOI, meta.Journal, time.Now().UTC(), docID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save metadata %s", docID)
	}
	return checkRowsAffected(res, "document", docID)
}

func (s *SQLiteStore) MarkReviewed(ctx context.Context, docID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET reviewed_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), time.Now().UTC(), docID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark reviewed %s", docID)
	}
	return checkRowsAffected(res, "document", docID)
}

// --- Stage statuses ---

func (s *SQLiteStore) SetStageStatus(ctx context.Context, docID string, stage model.Stage, status model.StageStatus) error {
	col, ok := statusColumns[stage]
	if !ok {
		return eris.Errorf("sqlite: unknown stage %q", stage)
	}

	var stored any
	if v, present := status.StorageValue(); present {
		stored = v
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE documents SET %s = ?, updated_at = ? WHERE id = ?`, col),
		stored, time.Now().UTC(), docID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set %s status %s", stage, docID)
	}
	return checkRowsAffected(res, "document", docID)
}

func (s *SQLiteStore) ClearStageStatus(ctx context.Context, docID string, stage model.Stage) error {
	return s.SetStageStatus(ctx, docID, stage, model.StageStatus{Kind: model.StatusUnset})
}

// --- Records ---

func (s *SQLiteStore) recordColumns() []string {
	cols := make([]string, 0, len(recordBaseColumns)+s.sch.NumFields())
	cols = append(cols, recordBaseColumns...)
	for _, name := range s.sch.FieldNames() {
		cols = append(cols, fmt.Sprintf("%q", name))
	}
	return cols
}

func (s *SQLiteStore) InsertRecords(ctx context.Context, records []model.Record) error {
	if len(records) == 0 {
		return nil
	}

	cols := s.recordColumns()
	query := fmt.Sprintf(`INSERT INTO records (%s) VALUES (%s)`,
		strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "),
	)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin insert records")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range records {
		args := []any{
			r.ID, r.DocumentID, r.RecordID,
			boolToInt(r.AddedByUser), boolToInt(r.DeletedByUser), boolToInt(r.HumanEdited),
			nullIfEmpty(r.LLMModel), nullIfEmpty(r.PromptHash), r.ExtractedAt.UTC(),
		}
		for _, f := range s.sch.Fields() {
			v, err := schema.EncodeForStorage(f, r.Field(f.Name))
			if err != nil {
				return err
			}
			args = append(args, v)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return eris.Wrapf(err, "sqlite: insert record %s", r.RecordID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit insert records")
}

func (s *SQLiteStore) UpdateRecordFields(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	var sets []string
	var args []any
	for _, f := range s.sch.Fields() {
		v, present := fields[f.Name]
		if !present {
			continue
		}
		encoded, err := schema.EncodeForStorage(f, v)
		if err != nil {
			return err
		}
		sets = append(sets, fmt.Sprintf("%q = ?", f.Name))
		args = append(args, encoded)
	}
	if len(sets) != len(fields) {
		return eris.Errorf("sqlite: update includes fields not declared by the schema")
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE records SET %s WHERE id = ?`, strings.Join(sets, ", ")),
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update record %s", id)
	}
	return checkRowsAffected(res, "record", id)
}

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM records WHERE id = ?`, strings.Join(s.recordColumns(), ", "))
	row := s.db.QueryRowContext(ctx, query, id)
	rec, err := s.scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("record not found: %s", id)
	}
	return rec, err
}

func (s *SQLiteStore) ListRecords(ctx context.Context, docID string) ([]model.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM records WHERE document_id = ? ORDER BY extracted_at, record_id`,
		strings.Join(s.recordColumns(), ", "))
	rows, err := s.db.QueryContext(ctx, query, docID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list records %s", docID)
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		r, err := s.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: list records iterate")
}

func (s *SQLiteStore) CountRecords(ctx context.Context, docID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE document_id = ?`, docID,
	).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count records %s", docID)
}

func (s *SQLiteStore) SetRecordID(ctx context.Context, id, recordID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET record_id = ? WHERE id = ?`, recordID, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set record id %s", id)
	}
	return checkRowsAffected(res, "record", id)
}

func (s *SQLiteStore) SetRecordDeleted(ctx context.Context, id string, deleted bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET deleted_by_user = ? WHERE id = ?`, boolToInt(deleted), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set record deleted %s", id)
	}
	return checkRowsAffected(res, "record", id)
}

func (s *SQLiteStore) SetRecordHumanEdited(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET human_edited = 1 WHERE id = ?`, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set record human edited %s", id)
	}
	return checkRowsAffected(res, "record", id)
}

// --- Audit log ---

func (s *SQLiteStore) AddEdit(ctx context.Context, edit model.RecordEdit) error {
	if edit.ID == "" {
		edit.ID = uuid.New().String()
	}
	if edit.EditedAt.IsZero() {
		edit.EditedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO record_edits (id, document_id, record_id, column_name, old_value, new_value, edited_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		edit.ID, edit.DocumentID, edit.RecordID, edit.Column, edit.OldValue, edit.NewValue, edit.EditedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: add edit for record %s", edit.RecordID)
}

func (s *SQLiteStore) ListEdits(ctx context.Context, docID string) ([]model.RecordEdit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, record_id, column_name, old_value, new_value, edited_at
		 FROM record_edits WHERE document_id = ? ORDER BY edited_at`, docID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list edits %s", docID)
	}
	defer rows.Close()

	var edits []model.RecordEdit
	for rows.Next() {
		var e model.RecordEdit
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.RecordID, &e.Column, &e.OldValue, &e.NewValue, &e.EditedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan edit")
		}
		edits = append(edits, e)
	}
	return edits, eris.Wrap(rows.Err(), "sqlite: list edits iterate")
}

// --- helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanDocument(row scannable) (*model.Document, error) {
	var d model.Document
	var ocrText, title, author, doi, journal sql.NullString
	var year sql.NullInt64
	var reviewedAt sql.NullTime
	statusCols := make([]sql.NullString, 4)

	err := row.Scan(
		&d.ID, &d.SourcePath, &d.ContentHash, &ocrText,
		&title, &author, &year, &doi, &journal,
		&statusCols[0], &statusCols[1], &statusCols[2], &statusCols[3],
		&reviewedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan document")
	}

	d.OCRText = ocrText.String
	if title.Valid {
		d.Meta.Title = &title.String
	}
	if author.Valid {
		d.Meta.Author = &author.String
	}
	if year.Valid {
		y := int(year.Int64)
		d.Meta.Year = &y
	}
	if doi.Valid {
		d.Meta.DOI = &doi.String
	}
	if journal.Valid {
		d.Meta.Journal = &journal.String
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		d.ReviewedAt = &t
	}

	d.Statuses = make(map[model.Stage]model.StageStatus, 4)
	for i, stage := range model.AllStages {
		var stored *string
		if statusCols[i].Valid {
			stored = &statusCols[i].String
		}
		d.Statuses[stage] = model.ParseStageStatus(stored)
	}

	return &d, nil
}

func (s *SQLiteStore) scanRecord(row scannable) (*model.Record, error) {
	var r model.Record
	var addedByUser, deletedByUser, humanEdited int64
	var llmModel, promptHash sql.NullString

	dest := []any{
		&r.ID, &r.DocumentID, &r.RecordID,
		&addedByUser, &deletedByUser, &humanEdited,
		&llmModel, &promptHash, &r.ExtractedAt,
	}
	fieldVals := make([]any, s.sch.NumFields())
	for i := range fieldVals {
		dest = append(dest, &fieldVals[i])
	}

	err := row.Scan(dest...)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan record")
	}

	r.AddedByUser = addedByUser != 0
	r.DeletedByUser = deletedByUser != 0
	r.HumanEdited = humanEdited != 0
	r.LLMModel = llmModel.String
	r.PromptHash = promptHash.String

	r.Fields = make(map[string]any, s.sch.NumFields())
	for i, f := range s.sch.Fields() {
		v, err := schema.DecodeFromStorage(f, normalizeScanned(fieldVals[i]))
		if err != nil {
			return nil, err
		}
		if v != nil {
			r.Fields[f.Name] = v
		}
	}

	return &r, nil
}

// normalizeScanned converts driver byte slices to strings so the schema
// decoder sees one text representation.
func normalizeScanned(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
