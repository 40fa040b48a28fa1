package export

import (
	"context"
	"encoding/csv"
	"io"

	"github.com/rotisserie/eris"

	"github.com/n8layman/ecoextract/internal/schema"
	"github.com/n8layman/ecoextract/internal/store"
)

// WriteCSV writes every document's records as one flat CSV table.
func WriteCSV(ctx context.Context, w io.Writer, st store.Store, sch *schema.Schema, opts Options) error {
	docs, err := st.ListDocuments(ctx)
	if err != nil {
		return eris.Wrap(err, "export: list documents")
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header(sch)); err != nil {
		return eris.Wrap(err, "export: write csv header")
	}

	for _, doc := range docs {
		records, err := st.ListRecords(ctx, doc.ID)
		if err != nil {
			return eris.Wrapf(err, "export: list records %s", doc.ID)
		}
		for _, rec := range records {
			if !included(rec, opts) {
				continue
			}
			if err := cw.Write(row(sch, doc, rec)); err != nil {
				return eris.Wrap(err, "export: write csv row")
			}
		}
	}

	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush csv")
}
