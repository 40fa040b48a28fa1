package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/n8layman/ecoextract/internal/accuracy"
	"github.com/n8layman/ecoextract/internal/model"
)

var accuracyCmd = &cobra.Command{
	Use:   "accuracy",
	Short: "Score extraction quality against reviewed documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, sch, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		docs, err := st.ListDocuments(ctx)
		if err != nil {
			return eris.Wrap(err, "list documents")
		}

		records := make(map[string][]model.Record)
		edits := make(map[string][]model.RecordEdit)
		for _, d := range docs {
			if !d.Reviewed() {
				continue
			}
			if records[d.ID], err = st.ListRecords(ctx, d.ID); err != nil {
				return eris.Wrapf(err, "list records %s", d.ID)
			}
			if edits[d.ID], err = st.ListEdits(ctx, d.ID); err != nil {
				return eris.Wrapf(err, "list edits %s", d.ID)
			}
		}

		report := accuracy.Calculate(sch, docs, records, edits)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	rootCmd.AddCommand(accuracyCmd)
}
