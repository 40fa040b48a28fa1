package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/n8layman/ecoextract/internal/model"
	"github.com/n8layman/ecoextract/internal/schema"
)

// Pool is the subset of pgxpool.Pool used by PostgresStore. pgxmock's
// PgxPoolIface satisfies it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresStore implements Store using pgxpool for shared deployments where
// several machines run workers against one database.
type PostgresStore struct {
	pool Pool
	sch  *schema.Schema
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, sch *schema.Schema) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, sch: sch}, nil
}

func pgColumnType(t schema.FieldType) string {
	switch t {
	case schema.TypeInteger:
		return "BIGINT"
	case schema.TypeNumber:
		return "DOUBLE PRECISION"
	case schema.TypeBoolean:
		return "SMALLINT" // stored as 0/1, matching the SQLite backend
	default:
		return "TEXT"
	}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	var records strings.Builder
	records.WriteString(`CREATE TABLE IF NOT EXISTS records (
	id              TEXT PRIMARY KEY,
	document_id     TEXT NOT NULL REFERENCES documents(id),
	record_id       TEXT NOT NULL,
	added_by_user   SMALLINT NOT NULL DEFAULT 0,
	deleted_by_user SMALLINT NOT NULL DEFAULT 0,
	human_edited    SMALLINT NOT NULL DEFAULT 0,
	llm_model       TEXT,
	prompt_hash     TEXT,
	extracted_at    TIMESTAMPTZ NOT NULL`)
	for _, f := range s.sch.Fields() {
		fmt.Fprintf(&records, ",\n\t%q %s", f.Name, pgColumnType(f.Type))
	}
	records.WriteString("\n)")

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS documents (
	id                TEXT PRIMARY KEY,
	source_path       TEXT NOT NULL,
	content_hash      TEXT NOT NULL UNIQUE,
	ocr_text          TEXT,
	title             TEXT,
	author            TEXT,
	year              BIGINT,
	doi               TEXT,
	journal           TEXT,
	ocr_status        TEXT,
	metadata_status   TEXT,
	extraction_status TEXT,
	refinement_status TEXT,
	reviewed_at       TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
)`,
		records.String(),
		`CREATE TABLE IF NOT EXISTS record_edits (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id),
	record_id   TEXT NOT NULL REFERENCES records(id),
	column_name TEXT NOT NULL,
	old_value   TEXT,
	new_value   TEXT,
	edited_at   TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_records_document_id ON records(document_id)`,
		`CREATE INDEX IF NOT EXISTS idx_record_edits_document_id ON record_edits(document_id)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return eris.Wrap(err, "postgres: migrate")
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Documents ---

func (s *PostgresStore) CreateDocument(ctx context.Context, sourcePath, contentHash string) (*model.Document, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, source_path, content_hash, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, sourcePath, contentHash, now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert document %s", sourcePath)
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

const pgDocumentSelect = `SELECT id, source_path, content_hash, ocr_text, title, author, year, doi, journal,
	ocr_status, metadata_status, extraction_status, refinement_status,
	reviewed_at, created_at, updated_at FROM documents`

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	row := s.pool.QueryRow(ctx, pgDocumentSelect+` WHERE id = $1`, id)
	doc, err := scanPgDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("document not found: %s", id)
	}
	return doc, err
}

func (s *PostgresStore) GetDocumentByHash(ctx context.Context, contentHash string) (*model.Document, error) {
	row := s.pool.QueryRow(ctx, pgDocumentSelect+` WHERE content_hash = $1`, contentHash)
	doc, err := scanPgDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return doc, err
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]model.Document, error) {
	rows, err := s.pool.Query(ctx, pgDocumentSelect+` ORDER BY created_at`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list documents")
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		d, err := scanPgDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, eris.Wrap(rows.Err(), "postgres: list documents iterate")
}

func (s *PostgresStore) SaveOCRText(ctx context.Context, docID, text string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET ocr_text = $1, updated_at = $2 WHERE id = $3`,
		text, time.Now().UTC(), docID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save ocr text %s", docID)
	}
	return checkPgRowsAffected(tag, "document", docID)
}

func (s *PostgresStore) SaveMetadata(ctx context.Context, docID string, meta model.Metadata) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET title = $1, author = $2, year = $3, doi = $4, journal = $5, updated_at = $6 WHERE id = $7`,
		meta.Title, meta.Author, meta.Year, meta.DOI, meta.Journal, time.Now().UTC(), docID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save metadata %s", docID)
	}
	return checkPgRowsAffected(tag, "document", docID)
}

func (s *PostgresStore) MarkReviewed(ctx context.Context, docID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET reviewed_at = $1, updated_at = $2 WHERE id = $3`,
		at.UTC(), time.Now().UTC(), docID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark reviewed %s", docID)
	}
	return checkPgRowsAffected(tag, "document", docID)
}

// --- Stage statuses ---

func (s *PostgresStore) SetStageStatus(ctx context.Context, docID string, stage model.Stage, status model.StageStatus) error {
	col, ok := statusColumns[stage]
	if !ok {
		return eris.Errorf("postgres: unknown stage %q", stage)
	}

	var stored any
	if v, present := status.StorageValue(); present {
		stored = v
	}
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE documents SET %s = $1, updated_at = $2 WHERE id = $3`, col),
		stored, time.Now().UTC(), docID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set %s status %s", stage, docID)
	}
	return checkPgRowsAffected(tag, "document", docID)
}

func (s *PostgresStore) ClearStageStatus(ctx context.Context, docID string, stage model.Stage) error {
	return s.SetStageStatus(ctx, docID, stage, model.StageStatus{Kind: model.StatusUnset})
}

// --- Records ---

func (s *PostgresStore) recordColumns() []string {
	cols := make([]string, 0, len(recordBaseColumns)+s.sch.NumFields())
	cols = append(cols, recordBaseColumns...)
	for _, name := range s.sch.FieldNames() {
		cols = append(cols, fmt.Sprintf("%q", name))
	}
	return cols
}

func (s *PostgresStore) InsertRecords(ctx context.Context, records []model.Record) error {
	if len(records) == 0 {
		return nil
	}

	cols := s.recordColumns()
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf(`INSERT INTO records (%s) VALUES (%s)`,
		strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin insert records")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

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
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return eris.Wrapf(err, "postgres: insert record %s", r.RecordID)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit insert records")
}

func (s *PostgresStore) UpdateRecordFields(ctx context.Context, id string, fields map[string]any) error {
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
		args = append(args, encoded)
		sets = append(sets, fmt.Sprintf("%q = $%d", f.Name, len(args)))
	}
	if len(sets) != len(fields) {
		return eris.Errorf("postgres: update includes fields not declared by the schema")
	}
	args = append(args, id)

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE records SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args)),
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update record %s", id)
	}
	return checkPgRowsAffected(tag, "record", id)
}

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM records WHERE id = $1`, strings.Join(s.recordColumns(), ", "))
	row := s.pool.QueryRow(ctx, query, id)
	rec, err := s.scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("record not found: %s", id)
	}
	return rec, err
}

func (s *PostgresStore) ListRecords(ctx context.Context, docID string) ([]model.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM records WHERE document_id = $1 ORDER BY extracted_at, record_id`,
		strings.Join(s.recordColumns(), ", "))
	rows, err := s.pool.Query(ctx, query, docID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list records %s", docID)
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		r, err := s.scanPgRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, eris.Wrap(rows.Err(), "postgres: list records iterate")
}

func (s *PostgresStore) CountRecords(ctx context.Context, docID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM records WHERE document_id = $1`, docID,
	).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count records %s", docID)
}

func (s *PostgresStore) SetRecordID(ctx context.Context, id, recordID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET record_id = $1 WHERE id = $2`, recordID, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set record id %s", id)
	}
	return checkPgRowsAffected(tag, "record", id)
}

func (s *PostgresStore) SetRecordDeleted(ctx context.Context, id string, deleted bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET deleted_by_user = $1 WHERE id = $2`, boolToInt(deleted), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set record deleted %s", id)
	}
	return checkPgRowsAffected(tag, "record", id)
}

func (s *PostgresStore) SetRecordHumanEdited(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET human_edited = 1 WHERE id = $1`, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set record human edited %s", id)
	}
	return checkPgRowsAffected(tag, "record", id)
}

// --- Audit log ---

func (s *PostgresStore) AddEdit(ctx context.Context, edit model.RecordEdit) error {
	if edit.ID == "" {
		edit.ID = uuid.New().String()
	}
	if edit.EditedAt.IsZero() {
		edit.EditedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO record_edits (id, document_id, record_id, column_name, old_value, new_value, edited_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		edit.ID, edit.DocumentID, edit.RecordID, edit.Column, edit.OldValue, edit.NewValue, edit.EditedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: add edit for record %s", edit.RecordID)
}

func (s *PostgresStore) ListEdits(ctx context.Context, docID string) ([]model.RecordEdit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, document_id, record_id, column_name, old_value, new_value, edited_at
		 FROM record_edits WHERE document_id = $1 ORDER BY edited_at`, docID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list edits %s", docID)
	}
	defer rows.Close()

	var edits []model.RecordEdit
	for rows.Next() {
		var e model.RecordEdit
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.RecordID, &e.Column, &e.OldValue, &e.NewValue, &e.EditedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan edit")
		}
		edits = append(edits, e)
	}
	return edits, eris.Wrap(rows.Err(), "postgres: list edits iterate")
}

// --- helpers ---

func scanPgDocument(row pgx.Row) (*model.Document, error) {
	var d model.Document
	var ocrText, title, author, doi, journal *string
	var year *int64
	var reviewedAt *time.Time
	statusCols := make([]*string, 4)

	err := row.Scan(
		&d.ID, &d.SourcePath, &d.ContentHash, &ocrText,
		&title, &author, &year, &doi, &journal,
		&statusCols[0], &statusCols[1], &statusCols[2], &statusCols[3],
		&reviewedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan document")
	}

	if ocrText != nil {
		d.OCRText = *ocrText
	}
	d.Meta.Title = title
	d.Meta.Author = author
	if year != nil {
		y := int(*year)
		d.Meta.Year = &y
	}
	d.Meta.DOI = doi
	d.Meta.Journal = journal
	d.ReviewedAt = reviewedAt

	d.Statuses = make(map[model.Stage]model.StageStatus, 4)
	for i, stage := range model.AllStages {
		d.Statuses[stage] = model.ParseStageStatus(statusCols[i])
	}
	return &d, nil
}

func (s *PostgresStore) scanPgRecord(row pgx.Row) (*model.Record, error) {
	var r model.Record
	var addedByUser, deletedByUser, humanEdited int64
	var llmModel, promptHash *string

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
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan record")
	}

	r.AddedByUser = addedByUser != 0
	r.DeletedByUser = deletedByUser != 0
	r.HumanEdited = humanEdited != 0
	if llmModel != nil {
		r.LLMModel = *llmModel
	}
	if promptHash != nil {
		r.PromptHash = *promptHash
	}

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

func checkPgRowsAffected(tag pgconn.CommandTag, entity, id string) error {
	if tag.RowsAffected() == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
