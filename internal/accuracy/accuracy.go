// Package accuracy scores extraction quality against human review activity.
// Reviewer edits, additions, and deletions are treated as ground truth for
// the documents that have been reviewed.
package accuracy

import (
	"github.com/n8layman/ecoextract/internal/model"
	"github.com/n8layman/ecoextract/internal/schema"
)

// Ratio is a division result that can be undefined when the denominator is
// zero. Consumers must check Defined before reading Value.
type Ratio struct {
	Value   float64 `json:"value"`
	Defined bool    `json:"defined"`
}

func ratio(num, den float64) Ratio {
	if den == 0 {
		return Ratio{}
	}
	return Ratio{Value: num / den, Defined: true}
}

// Report aggregates accuracy metrics over all reviewed documents.
type Report struct {
	VerifiedDocuments int `json:"verified_documents"`

	// Detection layer.
	ModelExtracted      int   `json:"model_extracted"`
	RecordsFound        int   `json:"records_found"`
	RecordsMissed       int   `json:"records_missed"`
	RecordsHallucinated int   `json:"records_hallucinated"`
	RecordsWithEdits    int   `json:"records_with_edits"`
	DetectionPrecision  Ratio `json:"detection_precision"`
	DetectionRecall     Ratio `json:"detection_recall"`
	PerfectRecordRate   Ratio `json:"perfect_record_rate"`

	// Field layer.
	TotalFields    int   `json:"total_fields"`
	CorrectFields  int   `json:"correct_fields"`
	FieldPrecision Ratio `json:"field_precision"`
	FieldRecall    Ratio `json:"field_recall"`
	FieldF1        Ratio `json:"field_f1"`

	// Edit severity.
	TotalEdits          int   `json:"total_edits"`
	MajorEdits          int   `json:"major_edits"`
	MinorEdits          int   `json:"minor_edits"`
	MajorEditRate       Ratio `json:"major_edit_rate"`
	AvgEditsPerDocument Ratio `json:"avg_edits_per_document"`

	// Per-column accuracy, keyed by field name.
	ColumnAccuracy map[string]Ratio `json:"column_accuracy"`
}

// Calculate builds a Report from the given documents and their records and
// edit history. Documents without a review timestamp are ignored entirely.
func Calculate(sch *schema.Schema, docs []model.Document, records map[string][]model.Record, edits map[string][]model.RecordEdit) Report {
	r := Report{ColumnAccuracy: make(map[string]Ratio)}
	numFields := sch.NumFields()
	editsPerColumn := make(map[string]int)

	for _, doc := range docs {
		if !doc.Reviewed() {
			continue
		}
		r.VerifiedDocuments++

		// Surrogate id → record, for resolving edits.
		byID := make(map[string]model.Record)
		for _, rec := range records[doc.ID] {
			byID[rec.ID] = rec
			if rec.AddedByUser {
				r.RecordsMissed++
				continue
			}
			r.ModelExtracted++
			if rec.DeletedByUser {
				r.RecordsHallucinated++
			}
		}

		edited := make(map[string]struct{})
		for _, e := range edits[doc.ID] {
			rec, ok := byID[e.RecordID]
			if !ok || rec.AddedByUser {
				// Edits to rows the reviewer created are not model errors.
				continue
			}
			r.TotalEdits++
			editsPerColumn[e.Column]++
			if sch.IsMajorColumn(e.Column) {
				r.MajorEdits++
			} else {
				r.MinorEdits++
			}
			if !rec.DeletedByUser {
				edited[e.RecordID] = struct{}{}
			}
		}
		r.RecordsWithEdits += len(edited)
	}

	r.RecordsFound = r.ModelExtracted - r.RecordsHallucinated

	r.DetectionPrecision = ratio(float64(r.RecordsFound), float64(r.ModelExtracted))
	r.DetectionRecall = ratio(float64(r.RecordsFound), float64(r.RecordsFound+r.RecordsMissed))
	r.PerfectRecordRate = ratio(float64(r.RecordsFound-r.RecordsWithEdits), float64(r.RecordsFound))

	r.TotalFields = r.ModelExtracted * numFields
	r.CorrectFields = r.TotalFields - r.RecordsHallucinated*numFields - r.TotalEdits
	trueFields := (r.RecordsFound + r.RecordsMissed) * numFields
	r.FieldPrecision = ratio(float64(r.CorrectFields), float64(r.TotalFields))
	r.FieldRecall = ratio(float64(r.CorrectFields), float64(trueFields))
	r.FieldF1 = harmonicMean(r.FieldPrecision, r.FieldRecall)

	r.MajorEditRate = ratio(float64(r.MajorEdits), float64(r.TotalEdits))
	r.AvgEditsPerDocument = ratio(float64(r.TotalEdits), float64(r.VerifiedDocuments))

	for _, name := range sch.FieldNames() {
		r.ColumnAccuracy[name] = ratio(
			float64(r.ModelExtracted-editsPerColumn[name]),
			float64(r.ModelExtracted),
		)
	}

	return r
}

func harmonicMean(a, b Ratio) Ratio {
	if !a.Defined || !b.Defined || a.Value+b.Value == 0 {
		return Ratio{}
	}
	return Ratio{Value: 2 * a.Value * b.Value / (a.Value + b.Value), Defined: true}
}
