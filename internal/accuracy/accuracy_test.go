package accuracy

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n8layman/ecoextract/internal/model"
	"github.com/n8layman/ecoextract/internal/schema"
)

// Eight fields: four unique, two required, two optional.
const accuracyTestSchema = `{
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
					"method": {"type": "string"},
					"abundance": {"type": "number"},
					"unit": {"type": "string"},
					"habitat": {"type": "string"},
					"notes": {"type": "string"}
				},
				"required": ["abundance", "unit"]
			}
		}
	},
	"x-unique-fields": ["species", "location", "year", "method"]
}`

func mustSchema(t *testing.T) *schema.Schema {
	t.Helper()
	sch, err := schema.Parse([]byte(accuracyTestSchema))
	require.NoError(t, err)
	return sch
}

func reviewedDoc(id string) model.Document {
	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	return model.Document{ID: id, ReviewedAt: &at}
}

func edit(docID, recID, column string) model.RecordEdit {
	return model.RecordEdit{DocumentID: docID, RecordID: recID, Column: column}
}

// Scenario: 10 true records. The model extracts 12 rows, of which the
// reviewer deletes 2 and edits 2 (one with two minor edits, one with one
// major edit), and adds 1 row the model missed.
func TestCalculateWorkedExample(t *testing.T) {
	sch := mustSchema(t)
	doc := reviewedDoc("doc-1")

	var records []model.Record
	for i := 0; i < 12; i++ {
		rec := model.Record{ID: fmt.Sprintf("rec-%d", i), DocumentID: doc.ID}
		if i >= 10 {
			rec.DeletedByUser = true
		}
		records = append(records, rec)
	}
	records = append(records, model.Record{ID: "rec-added", DocumentID: doc.ID, AddedByUser: true})

	edits := []model.RecordEdit{
		edit(doc.ID, "rec-0", "habitat"),
		edit(doc.ID, "rec-0", "notes"),
		edit(doc.ID, "rec-1", "species"),
	}

	r := Calculate(sch,
		[]model.Document{doc},
		map[string][]model.Record{doc.ID: records},
		map[string][]model.RecordEdit{doc.ID: edits},
	)

	assert.Equal(t, 1, r.VerifiedDocuments)
	assert.Equal(t, 12, r.ModelExtracted)
	assert.Equal(t, 10, r.RecordsFound)
	assert.Equal(t, 1, r.RecordsMissed)
	assert.Equal(t, 2, r.RecordsHallucinated)
	assert.Equal(t, 2, r.RecordsWithEdits)

	require.True(t, r.DetectionPrecision.Defined)
	assert.InDelta(t, 10.0/12.0, r.DetectionPrecision.Value, 1e-9)
	require.True(t, r.DetectionRecall.Defined)
	assert.InDelta(t, 10.0/11.0, r.DetectionRecall.Value, 1e-9)
	require.True(t, r.PerfectRecordRate.Defined)
	assert.InDelta(t, 0.8, r.PerfectRecordRate.Value, 1e-9)

	assert.Equal(t, 96, r.TotalFields)
	assert.Equal(t, 77, r.CorrectFields)
	require.True(t, r.FieldPrecision.Defined)
	assert.InDelta(t, 77.0/96.0, r.FieldPrecision.Value, 1e-9)
	require.True(t, r.FieldRecall.Defined)
	assert.InDelta(t, 77.0/88.0, r.FieldRecall.Value, 1e-9)
	require.True(t, r.FieldF1.Defined)

	assert.Equal(t, 3, r.TotalEdits)
	assert.Equal(t, 1, r.MajorEdits)
	assert.Equal(t, 2, r.MinorEdits)
	require.True(t, r.MajorEditRate.Defined)
	assert.InDelta(t, 1.0/3.0, r.MajorEditRate.Value, 1e-9)
	require.True(t, r.AvgEditsPerDocument.Defined)
	assert.InDelta(t, 3.0, r.AvgEditsPerDocument.Value, 1e-9)

	assert.InDelta(t, 11.0/12.0, r.ColumnAccuracy["species"].Value, 1e-9)
	assert.InDelta(t, 11.0/12.0, r.ColumnAccuracy["habitat"].Value, 1e-9)
	assert.InDelta(t, 1.0, r.ColumnAccuracy["abundance"].Value, 1e-9)
}

func TestCalculateIgnoresUnreviewedDocuments(t *testing.T) {
	sch := mustSchema(t)
	doc := model.Document{ID: "doc-1"} // no review timestamp

	r := Calculate(sch,
		[]model.Document{doc},
		map[string][]model.Record{doc.ID: {{ID: "rec-0", DocumentID: doc.ID}}},
		nil,
	)

	assert.Equal(t, 0, r.VerifiedDocuments)
	assert.Equal(t, 0, r.ModelExtracted)
	assert.False(t, r.DetectionPrecision.Defined)
	assert.False(t, r.AvgEditsPerDocument.Defined)
}

func TestCalculateZeroDenominators(t *testing.T) {
	sch := mustSchema(t)
	doc := reviewedDoc("doc-1")

	r := Calculate(sch, []model.Document{doc}, nil, nil)

	assert.Equal(t, 1, r.VerifiedDocuments)
	assert.False(t, r.DetectionPrecision.Defined)
	assert.False(t, r.DetectionRecall.Defined)
	assert.False(t, r.FieldPrecision.Defined)
	assert.False(t, r.FieldF1.Defined)
	assert.False(t, r.MajorEditRate.Defined)
	assert.False(t, r.ColumnAccuracy["species"].Defined)
}

func TestCalculateSkipsEditsToHumanAddedRows(t *testing.T) {
	sch := mustSchema(t)
	doc := reviewedDoc("doc-1")

	records := []model.Record{
		{ID: "rec-0", DocumentID: doc.ID},
		{ID: "rec-added", DocumentID: doc.ID, AddedByUser: true},
	}
	edits := []model.RecordEdit{
		edit(doc.ID, "rec-added", "species"),
		edit(doc.ID, "rec-unknown", "species"),
	}

	r := Calculate(sch,
		[]model.Document{doc},
		map[string][]model.Record{doc.ID: records},
		map[string][]model.RecordEdit{doc.ID: edits},
	)

	assert.Equal(t, 0, r.TotalEdits)
	assert.Equal(t, 0, r.RecordsWithEdits)
}

func TestCalculateEditsToDeletedRowsCountOnceNotTwice(t *testing.T) {
	sch := mustSchema(t)
	doc := reviewedDoc("doc-1")

	// A hallucinated row the reviewer first edited, then deleted. Its fields
	// are already fully discounted by the deletion, and it must not lower the
	// perfect-record rate of the surviving rows.
	records := []model.Record{
		{ID: "rec-0", DocumentID: doc.ID},
		{ID: "rec-1", DocumentID: doc.ID, DeletedByUser: true},
	}
	edits := []model.RecordEdit{edit(doc.ID, "rec-1", "species")}

	r := Calculate(sch,
		[]model.Document{doc},
		map[string][]model.Record{doc.ID: records},
		map[string][]model.RecordEdit{doc.ID: edits},
	)

	assert.Equal(t, 1, r.TotalEdits)
	assert.Equal(t, 0, r.RecordsWithEdits)
	require.True(t, r.PerfectRecordRate.Defined)
	assert.InDelta(t, 1.0, r.PerfectRecordRate.Value, 1e-9)
}

func TestRatioHelpers(t *testing.T) {
	assert.Equal(t, Ratio{}, ratio(1, 0))
	assert.Equal(t, Ratio{Value: 0.5, Defined: true}, ratio(1, 2))

	hm := harmonicMean(Ratio{Value: 0.5, Defined: true}, Ratio{Value: 1, Defined: true})
	require.True(t, hm.Defined)
	assert.InDelta(t, 2.0/3.0, hm.Value, 1e-9)
	assert.False(t, harmonicMean(Ratio{}, Ratio{Value: 1, Defined: true}).Defined)
}
