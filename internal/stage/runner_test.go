package stage

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n8layman/ecoextract/internal/dedupe"
	"github.com/n8layman/ecoextract/internal/extract"
	"github.com/n8layman/ecoextract/internal/model"
	"github.com/n8layman/ecoextract/internal/schema"
)

const runnerTestSchema = `{
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
					"habitat": {"type": "string"}
				},
				"required": ["species"]
			}
		}
	},
	"x-unique-fields": ["species", "location", "year"]
}`

const testOCRText = "Small mammal occurrences in boreal Finland, surveyed 2018."

type fakeOCR struct {
	calls atomic.Int32
	err   error
}

func (f *fakeOCR) ExtractText(context.Context, string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return testOCRText, nil
}

type fakeMeta struct {
	calls atomic.Int32
	err   error
}

func (f *fakeMeta) Extract(context.Context, string) (model.Metadata, error) {
	f.calls.Add(1)
	if f.err != nil {
		return model.Metadata{}, f.err
	}
	author := "Smith, J."
	year := 2019
	title := "Voles of Lapland"
	return model.Metadata{Title: &title, Author: &author, Year: &year}, nil
}

type fakeRecords struct {
	calls   atomic.Int32
	err     error
	records []map[string]any
}

func (f *fakeRecords) Extract(context.Context, string) (*extract.Extraction, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &extract.Extraction{
		Records:    f.records,
		Model:      "claude-sonnet-4-5-20250929",
		PromptHash: "cafe0123",
	}, nil
}

type fakeRefiner struct {
	calls   atomic.Int32
	updates map[string]map[string]any
}

func (f *fakeRefiner) Refine(context.Context, string, []model.Record) (map[string]map[string]any, error) {
	f.calls.Add(1)
	return f.updates, nil
}

func defaultRecordPayloads() []map[string]any {
	return []map[string]any{
		{"species": "Microtus agrestis", "location": "Finland", "year": int64(2018)},
		{"species": "Sorex araneus", "location": "Finland", "year": int64(2018)},
		{"species": "Apodemus flavicollis", "location": "Finland", "year": int64(2018)},
	}
}

type testHarness struct {
	store   *memStore
	pipe    *Pipeline
	ocr     *fakeOCR
	meta    *fakeMeta
	records *fakeRecords
	refiner *fakeRefiner
	docID   string
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	sch, err := schema.Parse([]byte(runnerTestSchema))
	require.NoError(t, err)

	st := newMemStore()
	doc, err := st.CreateDocument(context.Background(), "/papers/smith_2019.pdf", "hash-1")
	require.NoError(t, err)

	h := &testHarness{
		store:   st,
		ocr:     &fakeOCR{},
		meta:    &fakeMeta{},
		records: &fakeRecords{records: defaultRecordPayloads()},
		refiner: &fakeRefiner{},
		docID:   doc.ID,
	}
	h.pipe = &Pipeline{
		Store:        st,
		OCR:          h.ocr,
		Metadata:     h.meta,
		Records:      h.records,
		Refiner:      h.refiner,
		Deduper:      dedupe.New(dedupe.NewLexical(0.85), sch),
		StageTimeout: 10 * time.Second,
	}
	return h
}

func (h *testHarness) process(t *testing.T) Outcome {
	t.Helper()
	out, err := h.pipe.Process(context.Background(), h.docID)
	require.NoError(t, err)
	return out
}

func TestPipelineFullRun(t *testing.T) {
	h := newHarness(t)
	out := h.process(t)

	assert.True(t, out.Ran[model.StageOCR])
	assert.True(t, out.Ran[model.StageMetadata])
	assert.True(t, out.Ran[model.StageExtraction])
	assert.False(t, out.Ran[model.StageRefinement])
	for _, s := range model.GatedStages {
		assert.Equal(t, model.StatusCompleted, out.Statuses[s].Kind, "stage %s", s)
	}

	doc, err := h.store.GetDocument(context.Background(), h.docID)
	require.NoError(t, err)
	assert.Equal(t, testOCRText, doc.OCRText)
	require.NotNil(t, doc.Meta.Title)

	records, err := h.store.ListRecords(context.Background(), h.docID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "Smith2019-o1", records[0].RecordID)
	assert.Equal(t, "Smith2019-o3", records[2].RecordID)
	assert.Equal(t, "claude-sonnet-4-5-20250929", records[0].LLMModel)
}

// A second pass over an unchanged document runs nothing and adds nothing.
func TestPipelineIdempotence(t *testing.T) {
	h := newHarness(t)
	first := h.process(t)
	second := h.process(t)

	for _, s := range model.GatedStages {
		assert.True(t, first.Ran[s])
		assert.False(t, second.Ran[s], "stage %s ran on second pass", s)
		assert.Equal(t, first.Statuses[s], second.Statuses[s])
	}
	n, err := h.store.CountRecords(context.Background(), h.docID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int32(1), h.ocr.calls.Load())
	assert.Equal(t, int32(1), h.records.calls.Load())
}

func TestPipelineCascadeFromOCR(t *testing.T) {
	h := newHarness(t)
	h.process(t)

	h.pipe.Force = map[model.Stage]model.ForceDirective{
		model.StageOCR: mustForce(t, "all"),
	}
	out := h.process(t)

	assert.True(t, out.Ran[model.StageOCR])
	assert.True(t, out.Ran[model.StageMetadata])
	assert.True(t, out.Ran[model.StageExtraction])
	// Dedup keeps the re-extracted rows out.
	n, err := h.store.CountRecords(context.Background(), h.docID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPipelineCascadeFromMetadata(t *testing.T) {
	h := newHarness(t)
	h.process(t)

	h.pipe.Force = map[model.Stage]model.ForceDirective{
		model.StageMetadata: mustForce(t, h.docID),
	}
	out := h.process(t)

	assert.False(t, out.Ran[model.StageOCR])
	assert.True(t, out.Ran[model.StageMetadata])
	assert.True(t, out.Ran[model.StageExtraction])
	assert.Equal(t, int32(1), h.ocr.calls.Load())
}

func TestPipelineForceExtractionCascadesNothing(t *testing.T) {
	h := newHarness(t)
	h.process(t)

	h.pipe.Force = map[model.Stage]model.ForceDirective{
		model.StageExtraction: mustForce(t, "all"),
	}
	out := h.process(t)

	assert.False(t, out.Ran[model.StageOCR])
	assert.False(t, out.Ran[model.StageMetadata])
	assert.True(t, out.Ran[model.StageExtraction])
}

func TestPipelineForceSpecificOtherDocument(t *testing.T) {
	h := newHarness(t)
	h.process(t)

	h.pipe.Force = map[model.Stage]model.ForceDirective{
		model.StageOCR: mustForce(t, "some-other-doc"),
	}
	out := h.process(t)
	for _, s := range model.GatedStages {
		assert.False(t, out.Ran[s])
	}
}

// Status says completed but the payload is gone: the stage must re-run and
// the desync must be recorded, never silently skipped.
func TestPipelineDesyncRecovery(t *testing.T) {
	h := newHarness(t)
	h.process(t)

	require.NoError(t, h.store.SaveOCRText(context.Background(), h.docID, ""))

	out := h.process(t)
	assert.True(t, out.Ran[model.StageOCR])
	assert.Equal(t, model.StatusCompleted, out.Statuses[model.StageOCR].Kind)
	assert.Equal(t, int32(2), h.ocr.calls.Load())

	doc, err := h.store.GetDocument(context.Background(), h.docID)
	require.NoError(t, err)
	assert.Equal(t, testOCRText, doc.OCRText)
}

// Physically removing rows and re-running extraction restores the original
// count: removed rows come back, surviving rows are not duplicated.
func TestPipelineDedupRecallUnderDeletion(t *testing.T) {
	h := newHarness(t)
	h.process(t)

	records, err := h.store.ListRecords(context.Background(), h.docID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	h.store.dropRecord(h.docID, records[1].ID)

	h.pipe.Force = map[model.Stage]model.ForceDirective{
		model.StageExtraction: mustForce(t, "all"),
	}
	h.process(t)

	after, err := h.store.ListRecords(context.Background(), h.docID)
	require.NoError(t, err)
	require.Len(t, after, 3)

	// The re-admitted row got a fresh ordinal past the surviving maximum.
	ids := make(map[string]int)
	for _, r := range after {
		ids[r.RecordID]++
	}
	assert.Len(t, ids, 3, "record ids must stay distinct: %v", ids)
	assert.Contains(t, ids, "Smith2019-o4")
}

func TestPipelineStageFailureRecordedAndRetried(t *testing.T) {
	h := newHarness(t)
	h.records.err = assert.AnError

	out := h.process(t)
	assert.True(t, out.Ran[model.StageExtraction])
	assert.Equal(t, model.StatusFailed, out.Statuses[model.StageExtraction].Kind)
	assert.NotEmpty(t, out.Statuses[model.StageExtraction].Message)

	// The next pass retries only the failed stage.
	h.records.err = nil
	out = h.process(t)
	assert.False(t, out.Ran[model.StageOCR])
	assert.True(t, out.Ran[model.StageExtraction])
	assert.Equal(t, model.StatusCompleted, out.Statuses[model.StageExtraction].Kind)
}

func TestPipelineOCRFailureRecordedInStatus(t *testing.T) {
	h := newHarness(t)
	h.ocr.err = assert.AnError

	out := h.process(t)
	assert.Equal(t, model.StatusFailed, out.Statuses[model.StageOCR].Kind)
	assert.Contains(t, out.Statuses[model.StageOCR].Message, assert.AnError.Error())
}

func TestPipelineRefinementOptIn(t *testing.T) {
	h := newHarness(t)
	h.process(t)
	assert.Equal(t, int32(0), h.refiner.calls.Load())

	records, err := h.store.ListRecords(context.Background(), h.docID)
	require.NoError(t, err)
	h.refiner.updates = map[string]map[string]any{
		records[0].RecordID: {"habitat": "mesic grassland"},
	}

	h.pipe.RefineList = map[string]struct{}{h.docID: {}}
	out := h.process(t)

	assert.True(t, out.Ran[model.StageRefinement])
	assert.Equal(t, model.StatusCompleted, out.Statuses[model.StageRefinement].Kind)
	assert.Equal(t, int32(1), h.refiner.calls.Load())

	got, err := h.store.GetRecord(context.Background(), records[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "mesic grassland", got.Field("habitat"))
	assert.Equal(t, records[0].RecordID, got.RecordID)
}

func TestPipelineRefinementSkipsEmptyDocument(t *testing.T) {
	h := newHarness(t)
	h.records.records = nil
	h.pipe.RefineList = map[string]struct{}{h.docID: {}}

	out := h.process(t)
	assert.False(t, out.Ran[model.StageRefinement])
	assert.Equal(t, int32(0), h.refiner.calls.Load())
	assert.Equal(t, model.StatusUnset, out.Statuses[model.StageRefinement].Kind)
}

func TestPipelineRefinementNeverTouchesReviewerRows(t *testing.T) {
	h := newHarness(t)
	h.process(t)

	records, err := h.store.ListRecords(context.Background(), h.docID)
	require.NoError(t, err)
	protected := records[0]
	require.NoError(t, h.store.SetRecordHumanEdited(context.Background(), protected.ID))

	h.refiner.updates = map[string]map[string]any{
		protected.RecordID: {"habitat": "overwritten"},
	}
	h.pipe.RefineList = map[string]struct{}{h.docID: {}}
	h.process(t)

	got, err := h.store.GetRecord(context.Background(), protected.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Field("habitat"))
}

// Extraction with zero records completes; zero is not a desync.
func TestPipelineEmptyExtractionCompletes(t *testing.T) {
	h := newHarness(t)
	h.records.records = nil

	out := h.process(t)
	assert.Equal(t, model.StatusCompleted, out.Statuses[model.StageExtraction].Kind)

	second := h.process(t)
	assert.False(t, second.Ran[model.StageExtraction])
}

func TestProcessAll(t *testing.T) {
	h := newHarness(t)
	doc2, err := h.store.CreateDocument(context.Background(), "/papers/other_2020.pdf", "hash-2")
	require.NoError(t, err)
	h.pipe.MaxConcurrent = 2

	outcomes, err := h.pipe.ProcessAll(context.Background(), []string{h.docID, doc2.ID})
	require.NoError(t, err)
	assert.Len(t, outcomes, 2)
	for _, out := range outcomes {
		assert.Equal(t, model.StatusCompleted, out.Statuses[model.StageOCR].Kind)
	}
}

func TestProcessAllUnknownDocument(t *testing.T) {
	h := newHarness(t)
	_, err := h.pipe.ProcessAll(context.Background(), []string{"no-such-doc"})
	assert.Error(t, err)
}

func mustForce(t *testing.T, raw string) model.ForceDirective {
	t.Helper()
	d, err := model.ParseForceDirective(raw)
	require.NoError(t, err)
	return d
}
