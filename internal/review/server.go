// Package review exposes the HTTP API the review UI uses to inspect
// documents, correct records, and mark documents verified. Every correction
// is written to the audit log that the accuracy calculator consumes.
package review

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/n8layman/ecoextract/internal/accuracy"
	"github.com/n8layman/ecoextract/internal/model"
	"github.com/n8layman/ecoextract/internal/schema"
	"github.com/n8layman/ecoextract/internal/store"
)

// Server serves the review API.
type Server struct {
	store store.Store
	sch   *schema.Schema
}

func NewServer(st store.Store, sch *schema.Schema) *Server {
	return &Server{store: st, sch: sch}
}

// Router builds the chi router with all review routes mounted under /api.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/documents", s.listDocuments)
		r.Get("/documents/{id}", s.getDocument)
		r.Get("/documents/{id}/records", s.listRecords)
		r.Post("/documents/{id}/records", s.addRecord)
		r.Get("/documents/{id}/edits", s.listEdits)
		r.Post("/documents/{id}/review", s.markReviewed)
		r.Patch("/records/{id}", s.editRecord)
		r.Delete("/records/{id}", s.deleteRecord)
		r.Post("/records/{id}/restore", s.restoreRecord)
		r.Get("/accuracy", s.accuracyReport)
	})
	return r
}

type documentView struct {
	ID         string            `json:"id"`
	SourcePath string            `json:"source_path"`
	Meta       model.Metadata    `json:"metadata"`
	Statuses   map[string]string `json:"statuses"`
	ReviewedAt *time.Time        `json:"reviewed_at,omitempty"`
}

func documentToView(d model.Document) documentView {
	statuses := make(map[string]string, len(model.AllStages))
	for _, stage := range model.AllStages {
		statuses[string(stage)] = d.Status(stage).String()
	}
	return documentView{
		ID:         d.ID,
		SourcePath: d.SourcePath,
		Meta:       d.Meta,
		Statuses:   statuses,
		ReviewedAt: d.ReviewedAt,
	}
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.ListDocuments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]documentView, len(docs))
	for i, d := range docs {
		views[i] = documentToView(d)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, documentToView(*doc))
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListRecords(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []model.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// addRecord creates a reviewer-authored record for rows the model missed.
func (s *Server) addRecord(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "id")
	doc, err := s.store.GetDocument(r.Context(), docID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	coerced, err := s.coerceFields(fields)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	existing, err := s.store.ListRecords(r.Context(), docID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	rec := model.Record{
		ID:          uuid.New().String(),
		DocumentID:  docID,
		RecordID:    model.NewRecordID(doc.Meta.Author, doc.Meta.Year, model.MaxOrdinal(existing)+1),
		Fields:      coerced,
		AddedByUser: true,
		ExtractedAt: time.Now().UTC(),
	}
	if err := s.store.InsertRecords(r.Context(), []model.Record{rec}); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

type editRequest struct {
	RecordID *string        `json:"record_id,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// editRecord applies reviewer corrections: one audit row per changed column,
// then the value updates, then the human_edited flag.
func (s *Server) editRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.store.GetRecord(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	coerced, err := s.coerceFields(req.Fields)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	for name, newValue := range coerced {
		edit := model.RecordEdit{
			DocumentID: rec.DocumentID,
			RecordID:   rec.ID,
			Column:     name,
			OldValue:   stringify(rec.Field(name)),
			NewValue:   stringify(newValue),
		}
		if err := s.store.AddEdit(r.Context(), edit); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	if len(coerced) > 0 {
		if err := s.store.UpdateRecordFields(r.Context(), rec.ID, coerced); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	if req.RecordID != nil && *req.RecordID != rec.RecordID {
		edit := model.RecordEdit{
			DocumentID: rec.DocumentID,
			RecordID:   rec.ID,
			Column:     "record_id",
			OldValue:   stringify(rec.RecordID),
			NewValue:   stringify(*req.RecordID),
		}
		if err := s.store.AddEdit(r.Context(), edit); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if err := s.store.SetRecordID(r.Context(), rec.ID, *req.RecordID); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	if err := s.store.SetRecordHumanEdited(r.Context(), rec.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	updated, err := s.store.GetRecord(r.Context(), rec.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteRecord(w http.ResponseWriter, r *http.Request) {
	s.setDeleted(w, r, true)
}

func (s *Server) restoreRecord(w http.ResponseWriter, r *http.Request) {
	s.setDeleted(w, r, false)
}

// setDeleted toggles the soft-delete flag. Rows are never physically removed
// so the accuracy calculator can count hallucinations.
func (s *Server) setDeleted(w http.ResponseWriter, r *http.Request, deleted bool) {
	id := chi.URLParam(r, "id")
	if err := s.store.SetRecordDeleted(r.Context(), id, deleted); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) markReviewed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.MarkReviewed(r.Context(), id, time.Now().UTC()); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	zap.L().Info("document marked reviewed", zap.String("document_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listEdits(w http.ResponseWriter, r *http.Request) {
	edits, err := s.store.ListEdits(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if edits == nil {
		edits = []model.RecordEdit{}
	}
	writeJSON(w, http.StatusOK, edits)
}

func (s *Server) accuracyReport(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.ListDocuments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	records := make(map[string][]model.Record)
	edits := make(map[string][]model.RecordEdit)
	for _, d := range docs {
		if !d.Reviewed() {
			continue
		}
		if records[d.ID], err = s.store.ListRecords(r.Context(), d.ID); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if edits[d.ID], err = s.store.ListEdits(r.Context(), d.ID); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, accuracy.Calculate(s.sch, docs, records, edits))
}

func (s *Server) coerceFields(fields map[string]any) (map[string]any, error) {
	coerced := make(map[string]any, len(fields))
	for name, value := range fields {
		f, ok := s.sch.Field(name)
		if !ok {
			return nil, eris.Errorf("review: unknown field %q", name)
		}
		v, err := schema.Coerce(f, value)
		if err != nil {
			return nil, err
		}
		coerced[name] = v
	}
	return coerced, nil
}

func stringify(v any) *string {
	if v == nil {
		return nil
	}
	if s, ok := v.(string); ok {
		return &s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	s := string(data)
	return &s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
