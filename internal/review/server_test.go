package review

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n8layman/ecoextract/internal/model"
	"github.com/n8layman/ecoextract/internal/schema"
	"github.com/n8layman/ecoextract/internal/store"
)

const reviewTestSchema = `{
	"type": "object",
	"properties": {
		"records": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"species": {"type": "string"},
					"location": {"type": "string"},
					"year": {"type": "integer"},
					"abundance": {"type": "number"}
				},
				"required": ["species", "location"]
			}
		}
	},
	"x-unique-fields": ["species", "location", "year"]
}`

type reviewHarness struct {
	store  store.Store
	server *httptest.Server
	doc    *model.Document
}

func newHarness(t *testing.T) *reviewHarness {
	t.Helper()

	sch, err := schema.Parse([]byte(reviewTestSchema))
	require.NoError(t, err)

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "review.db"), sch)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	doc, err := st.CreateDocument(context.Background(), "/papers/jones_2021.pdf", uuid.New().String())
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(st, sch).Router())
	t.Cleanup(srv.Close)

	return &reviewHarness{store: st, server: srv, doc: doc}
}

func (h *reviewHarness) insertRecord(t *testing.T, fields map[string]any) model.Record {
	t.Helper()
	rec := model.Record{
		ID:          uuid.New().String(),
		DocumentID:  h.doc.ID,
		RecordID:    fmt.Sprintf("Jones2021-o%d", time.Now().UnixNano()%100000),
		Fields:      fields,
		ExtractedAt: time.Now().UTC(),
	}
	require.NoError(t, h.store.InsertRecords(context.Background(), []model.Record{rec}))
	return rec
}

func (h *reviewHarness) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestListDocuments(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/api/documents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	docs := decodeBody[[]documentView](t, resp)
	require.Len(t, docs, 1)
	assert.Equal(t, h.doc.ID, docs[0].ID)
	assert.Equal(t, "/papers/jones_2021.pdf", docs[0].SourcePath)
	assert.Equal(t, "unset", docs[0].Statuses["extraction"])
}

func TestGetDocument_NotFound(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/api/documents/"+uuid.New().String(), nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListRecords_EmptyDocument(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/api/documents/"+h.doc.ID+"/records", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeBody[[]model.Record](t, resp))
}

func TestEditRecord_WritesAuditRows(t *testing.T) {
	h := newHarness(t)
	rec := h.insertRecord(t, map[string]any{
		"species":   "Microtus agrestis",
		"location":  "Kielder Forest",
		"year":      int64(2021),
		"abundance": 14.0,
	})

	resp := h.do(t, http.MethodPatch, "/api/records/"+rec.ID, editRequest{
		Fields: map[string]any{"abundance": 17.0, "location": "Kielder"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	updated := decodeBody[model.Record](t, resp)
	assert.True(t, updated.HumanEdited)
	assert.Equal(t, 17.0, updated.Field("abundance"))
	assert.Equal(t, "Kielder", updated.Field("location"))

	edits, err := h.store.ListEdits(context.Background(), h.doc.ID)
	require.NoError(t, err)
	require.Len(t, edits, 2)
	byColumn := map[string]model.RecordEdit{}
	for _, e := range edits {
		assert.Equal(t, rec.ID, e.RecordID)
		byColumn[e.Column] = e
	}
	require.Contains(t, byColumn, "abundance")
	require.NotNil(t, byColumn["abundance"].OldValue)
	assert.Equal(t, "14", *byColumn["abundance"].OldValue)
	assert.Equal(t, "17", *byColumn["abundance"].NewValue)
	assert.Equal(t, "Kielder Forest", *byColumn["location"].OldValue)
}

func TestEditRecord_RewritesBusinessKey(t *testing.T) {
	h := newHarness(t)
	rec := h.insertRecord(t, map[string]any{"species": "Sorex araneus", "location": "Oxford"})

	newID := "Jones2021-o99"
	resp := h.do(t, http.MethodPatch, "/api/records/"+rec.ID, editRequest{RecordID: &newID})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	updated := decodeBody[model.Record](t, resp)
	assert.Equal(t, newID, updated.RecordID)

	edits, err := h.store.ListEdits(context.Background(), h.doc.ID)
	require.NoError(t, err)
	require.Len(t, edits, 1)
	assert.Equal(t, "record_id", edits[0].Column)
	assert.Equal(t, newID, *edits[0].NewValue)
}

func TestEditRecord_UnknownField(t *testing.T) {
	h := newHarness(t)
	rec := h.insertRecord(t, map[string]any{"species": "Sorex araneus", "location": "Oxford"})

	resp := h.do(t, http.MethodPatch, "/api/records/"+rec.ID, editRequest{
		Fields: map[string]any{"altitude": 300},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	edits, err := h.store.ListEdits(context.Background(), h.doc.ID)
	require.NoError(t, err)
	assert.Empty(t, edits)
}

func TestAddRecord_FlagsReviewerAuthorship(t *testing.T) {
	h := newHarness(t)
	author := "Jones"
	year := 2021
	require.NoError(t, h.store.SaveMetadata(context.Background(), h.doc.ID, model.Metadata{
		Author: &author, Year: &year,
	}))

	resp := h.do(t, http.MethodPost, "/api/documents/"+h.doc.ID+"/records", map[string]any{
		"species":  "Apodemus sylvaticus",
		"location": "Wytham Woods",
		"year":     2021,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	created := decodeBody[model.Record](t, resp)
	assert.True(t, created.AddedByUser)
	assert.Equal(t, "Jones2021-o1", created.RecordID)

	records, err := h.store.ListRecords(context.Background(), h.doc.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Apodemus sylvaticus", records[0].Field("species"))
}

func TestAddRecord_OrdinalContinuesPastExisting(t *testing.T) {
	h := newHarness(t)
	author := "Jones"
	year := 2021
	require.NoError(t, h.store.SaveMetadata(context.Background(), h.doc.ID, model.Metadata{
		Author: &author, Year: &year,
	}))
	rec := h.insertRecord(t, map[string]any{"species": "Sorex araneus", "location": "Oxford"})
	require.NoError(t, h.store.SetRecordID(context.Background(), rec.ID, "Jones2021-o7"))

	resp := h.do(t, http.MethodPost, "/api/documents/"+h.doc.ID+"/records", map[string]any{
		"species":  "Apodemus sylvaticus",
		"location": "Wytham Woods",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "Jones2021-o8", decodeBody[model.Record](t, resp).RecordID)
}

func TestDeleteAndRestoreRecord(t *testing.T) {
	h := newHarness(t)
	rec := h.insertRecord(t, map[string]any{"species": "Sorex araneus", "location": "Oxford"})

	resp := h.do(t, http.MethodDelete, "/api/records/"+rec.ID, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	got, err := h.store.GetRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, got.DeletedByUser)

	resp = h.do(t, http.MethodPost, "/api/records/"+rec.ID+"/restore", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	got, err = h.store.GetRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.False(t, got.DeletedByUser)
}

func TestMarkReviewed(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/api/documents/"+h.doc.ID+"/review", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	doc, err := h.store.GetDocument(context.Background(), h.doc.ID)
	require.NoError(t, err)
	assert.True(t, doc.Reviewed())
}

func TestAccuracyReport_CoversOnlyReviewedDocuments(t *testing.T) {
	h := newHarness(t)
	h.insertRecord(t, map[string]any{"species": "Sorex araneus", "location": "Oxford"})

	// Not yet reviewed: the report sees zero documents.
	resp := h.do(t, http.MethodGet, "/api/accuracy", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decodeBody[map[string]any](t, resp)
	assert.Equal(t, 0.0, report["verified_documents"])

	require.NoError(t, h.store.MarkReviewed(context.Background(), h.doc.ID, time.Now().UTC()))

	resp = h.do(t, http.MethodGet, "/api/accuracy", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report = decodeBody[map[string]any](t, resp)
	assert.Equal(t, 1.0, report["verified_documents"])
	assert.Equal(t, 1.0, report["model_extracted"])
}

func TestStringify(t *testing.T) {
	assert.Nil(t, stringify(nil))
	assert.Equal(t, "plain", *stringify("plain"))
	assert.Equal(t, "42", *stringify(int64(42)))
	assert.Equal(t, "true", *stringify(true))
	assert.Equal(t, `["a","b"]`, *stringify([]string{"a", "b"}))
}
