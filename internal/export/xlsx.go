package export

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/n8layman/ecoextract/internal/model"
	"github.com/n8layman/ecoextract/internal/schema"
	"github.com/n8layman/ecoextract/internal/store"
)

// WriteXLSX writes a workbook with a records sheet and a documents sheet.
// The documents sheet carries per-document metadata and stage statuses so a
// reviewer can triage failures without the CLI.
func WriteXLSX(ctx context.Context, path string, st store.Store, sch *schema.Schema, opts Options) error {
	docs, err := st.ListDocuments(ctx)
	if err != nil {
		return eris.Wrap(err, "export: list documents")
	}

	f := xlsx.NewFile()

	records, err := f.AddSheet("records")
	if err != nil {
		return eris.Wrap(err, "export: add records sheet")
	}
	addStringRow(records, header(sch))
	for _, doc := range docs {
		recs, err := st.ListRecords(ctx, doc.ID)
		if err != nil {
			return eris.Wrapf(err, "export: list records %s", doc.ID)
		}
		for _, rec := range recs {
			if !included(rec, opts) {
				continue
			}
			addRecordRow(records, sch, doc, rec)
		}
	}

	documents, err := f.AddSheet("documents")
	if err != nil {
		return eris.Wrap(err, "export: add documents sheet")
	}
	docHeader := []string{"document", "title", "author", "year", "doi", "reviewed"}
	for _, stage := range model.AllStages {
		docHeader = append(docHeader, string(stage)+"_status")
	}
	addStringRow(documents, docHeader)
	for _, doc := range docs {
		addDocumentRow(documents, doc)
	}

	return eris.Wrap(f.Save(path), "export: save xlsx")
}

func addStringRow(sheet *xlsx.Sheet, cells []string) {
	r := sheet.AddRow()
	for _, c := range cells {
		r.AddCell().SetString(c)
	}
}

// addRecordRow writes typed cells so spreadsheet consumers get real numbers
// and booleans instead of strings.
func addRecordRow(sheet *xlsx.Sheet, sch *schema.Schema, doc model.Document, rec model.Record) {
	r := sheet.AddRow()
	r.AddCell().SetString(rec.RecordID)
	r.AddCell().SetString(doc.SourcePath)
	if doc.Meta.Author != nil {
		r.AddCell().SetString(*doc.Meta.Author)
	} else {
		r.AddCell()
	}
	if doc.Meta.Year != nil {
		r.AddCell().SetInt(*doc.Meta.Year)
	} else {
		r.AddCell()
	}

	for _, name := range sch.FieldNames() {
		cell := r.AddCell()
		switch v := rec.Field(name).(type) {
		case nil:
			// leave blank
		case int64:
			cell.SetInt64(v)
		case float64:
			cell.SetFloat(v)
		case bool:
			cell.SetBool(v)
		default:
			cell.SetString(cellString(v))
		}
	}

	r.AddCell().SetBool(rec.AddedByUser)
	r.AddCell().SetBool(rec.HumanEdited)
	r.AddCell().SetString(rec.LLMModel)
}

func addDocumentRow(sheet *xlsx.Sheet, doc model.Document) {
	r := sheet.AddRow()
	r.AddCell().SetString(doc.SourcePath)
	for _, v := range []*string{doc.Meta.Title, doc.Meta.Author} {
		if v != nil {
			r.AddCell().SetString(*v)
		} else {
			r.AddCell()
		}
	}
	if doc.Meta.Year != nil {
		r.AddCell().SetInt(*doc.Meta.Year)
	} else {
		r.AddCell()
	}
	if doc.Meta.DOI != nil {
		r.AddCell().SetString(*doc.Meta.DOI)
	} else {
		r.AddCell()
	}
	r.AddCell().SetBool(doc.Reviewed())
	for _, stage := range model.AllStages {
		r.AddCell().SetString(doc.Status(stage).String())
	}
}
