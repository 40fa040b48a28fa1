package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/n8layman/ecoextract/internal/export"
)

var (
	exportFormat         string
	exportOut            string
	exportIncludeDeleted bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export records or citations to csv, xlsx, or bibtex",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, sch, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		opts := export.Options{IncludeDeleted: exportIncludeDeleted}

		switch exportFormat {
		case "csv":
			f, err := os.Create(exportOut)
			if err != nil {
				return eris.Wrapf(err, "create %s", exportOut)
			}
			defer f.Close()
			if err := export.WriteCSV(ctx, f, st, sch, opts); err != nil {
				return err
			}
		case "xlsx":
			if err := export.WriteXLSX(ctx, exportOut, st, sch, opts); err != nil {
				return err
			}
		case "bibtex":
			f, err := os.Create(exportOut)
			if err != nil {
				return eris.Wrapf(err, "create %s", exportOut)
			}
			defer f.Close()
			if err := export.WriteBibTeX(ctx, f, st); err != nil {
				return err
			}
		default:
			return eris.Errorf("unsupported format: %s (want csv, xlsx, or bibtex)", exportFormat)
		}

		zap.L().Info("export complete",
			zap.String("format", exportFormat),
			zap.String("path", exportOut),
		)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "csv", "output format: csv, xlsx, or bibtex")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output file path (required)")
	exportCmd.Flags().BoolVar(&exportIncludeDeleted, "include-deleted", false, "include rows a reviewer deleted")
	_ = exportCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(exportCmd)
}
