package stage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/n8layman/ecoextract/internal/model"
)

// memStore is an in-memory store.Store for pipeline tests. Unlike the real
// backends it allows physically deleting rows, which the recovery tests need.
type memStore struct {
	mu      sync.Mutex
	docs    map[string]*model.Document
	records map[string][]model.Record
	edits   map[string][]model.RecordEdit
}

func newMemStore() *memStore {
	return &memStore{
		docs:    make(map[string]*model.Document),
		records: make(map[string][]model.Record),
		edits:   make(map[string][]model.RecordEdit),
	}
}

func (m *memStore) Migrate(context.Context) error { return nil }
func (m *memStore) Close() error                  { return nil }

func (m *memStore) CreateDocument(_ context.Context, sourcePath, contentHash string) (*model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := &model.Document{
		ID:          uuid.New().String(),
		SourcePath:  sourcePath,
		ContentHash: contentHash,
		Statuses:    map[model.Stage]model.StageStatus{},
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	m.docs[doc.ID] = doc
	return copyDoc(doc), nil
}

func (m *memStore) GetDocument(_ context.Context, id string) (*model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, eris.Errorf("document not found: %s", id)
	}
	return copyDoc(doc), nil
}

func (m *memStore) GetDocumentByHash(_ context.Context, hash string) (*model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range m.docs {
		if doc.ContentHash == hash {
			return copyDoc(doc), nil
		}
	}
	return nil, nil
}

func (m *memStore) ListDocuments(context.Context) ([]model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Document
	for _, doc := range m.docs {
		out = append(out, *copyDoc(doc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) SaveOCRText(_ context.Context, docID, text string) error {
	return m.mutateDoc(docID, func(d *model.Document) { d.OCRText = text })
}

func (m *memStore) SaveMetadata(_ context.Context, docID string, meta model.Metadata) error {
	return m.mutateDoc(docID, func(d *model.Document) { d.Meta = meta })
}

func (m *memStore) MarkReviewed(_ context.Context, docID string, at time.Time) error {
	return m.mutateDoc(docID, func(d *model.Document) { d.ReviewedAt = &at })
}

func (m *memStore) SetStageStatus(_ context.Context, docID string, stage model.Stage, status model.StageStatus) error {
	return m.mutateDoc(docID, func(d *model.Document) { d.Statuses[stage] = status })
}

func (m *memStore) ClearStageStatus(ctx context.Context, docID string, stage model.Stage) error {
	return m.SetStageStatus(ctx, docID, stage, model.StageStatus{})
}

func (m *memStore) InsertRecords(_ context.Context, records []model.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.records[r.DocumentID] = append(m.records[r.DocumentID], r)
	}
	return nil
}

func (m *memStore) UpdateRecordFields(_ context.Context, id string, fields map[string]any) error {
	return m.mutateRecord(id, func(r *model.Record) {
		if r.Fields == nil {
			r.Fields = make(map[string]any)
		}
		for k, v := range fields {
			r.Fields[k] = v
		}
	})
}

func (m *memStore) GetRecord(_ context.Context, id string) (*model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, recs := range m.records {
		for _, r := range recs {
			if r.ID == id {
				out := r
				return &out, nil
			}
		}
	}
	return nil, eris.Errorf("record not found: %s", id)
}

func (m *memStore) ListRecords(_ context.Context, docID string) ([]model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Record(nil), m.records[docID]...), nil
}

func (m *memStore) CountRecords(_ context.Context, docID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[docID]), nil
}

func (m *memStore) SetRecordID(_ context.Context, id, recordID string) error {
	return m.mutateRecord(id, func(r *model.Record) { r.RecordID = recordID })
}

func (m *memStore) SetRecordDeleted(_ context.Context, id string, deleted bool) error {
	return m.mutateRecord(id, func(r *model.Record) { r.DeletedByUser = deleted })
}

func (m *memStore) SetRecordHumanEdited(_ context.Context, id string) error {
	return m.mutateRecord(id, func(r *model.Record) { r.HumanEdited = true })
}

func (m *memStore) AddEdit(_ context.Context, edit model.RecordEdit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if edit.ID == "" {
		edit.ID = uuid.New().String()
	}
	m.edits[edit.DocumentID] = append(m.edits[edit.DocumentID], edit)
	return nil
}

func (m *memStore) ListEdits(_ context.Context, docID string) ([]model.RecordEdit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.RecordEdit(nil), m.edits[docID]...), nil
}

// dropRecord physically removes a row, simulating external deletion.
func (m *memStore) dropRecord(docID, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.records[docID]
	for i, r := range recs {
		if r.ID == id {
			m.records[docID] = append(recs[:i], recs[i+1:]...)
			return
		}
	}
}

func (m *memStore) mutateDoc(id string, fn func(*model.Document)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return eris.Errorf("document not found: %s", id)
	}
	fn(doc)
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) mutateRecord(id string, fn func(*model.Record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for docID, recs := range m.records {
		for i := range recs {
			if recs[i].ID == id {
				fn(&m.records[docID][i])
				return nil
			}
		}
	}
	return eris.Errorf("record not found: %s", id)
}

func copyDoc(d *model.Document) *model.Document {
	out := *d
	out.Statuses = make(map[model.Stage]model.StageStatus, len(d.Statuses))
	for k, v := range d.Statuses {
		out.Statuses[k] = v
	}
	return &out
}
