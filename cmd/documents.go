package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/n8layman/ecoextract/internal/model"
)

type documentSummary struct {
	ID         string            `json:"id"`
	SourcePath string            `json:"source_path"`
	Title      *string           `json:"title,omitempty"`
	Author     *string           `json:"author,omitempty"`
	Year       *int              `json:"year,omitempty"`
	Statuses   map[string]string `json:"statuses"`
	Reviewed   bool              `json:"reviewed"`
	Records    int               `json:"records"`
}

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "List ingested documents with stage statuses",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		docs, err := st.ListDocuments(ctx)
		if err != nil {
			return eris.Wrap(err, "list documents")
		}

		summaries := make([]documentSummary, len(docs))
		for i, d := range docs {
			statuses := make(map[string]string, len(model.AllStages))
			for _, s := range model.AllStages {
				statuses[string(s)] = d.Status(s).String()
			}
			count, err := st.CountRecords(ctx, d.ID)
			if err != nil {
				return eris.Wrapf(err, "count records %s", d.ID)
			}
			summaries[i] = documentSummary{
				ID:         d.ID,
				SourcePath: d.SourcePath,
				Title:      d.Meta.Title,
				Author:     d.Meta.Author,
				Year:       d.Meta.Year,
				Statuses:   statuses,
				Reviewed:   d.Reviewed(),
				Records:    count,
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	},
}

func init() {
	rootCmd.AddCommand(documentsCmd)
}
