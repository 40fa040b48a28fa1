package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/n8layman/ecoextract/internal/model"
	"github.com/n8layman/ecoextract/internal/store"
)

// Ingest walks dir for PDFs and registers each unseen file as a document.
// Files are identified by content hash, so renaming or re-adding a PDF never
// creates a second document. Returns every document now known for the
// directory's files, registered or pre-existing.
func Ingest(ctx context.Context, st store.Store, dir string) ([]model.Document, error) {
	var docs []model.Document
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".pdf") {
			return nil
		}

		hash, err := hashFile(path)
		if err != nil {
			return err
		}

		doc, err := st.GetDocumentByHash(ctx, hash)
		if err != nil {
			return err
		}
		if doc == nil {
			doc, err = st.CreateDocument(ctx, path, hash)
			if err != nil {
				return err
			}
			zap.L().Info("document registered",
				zap.String("document_id", doc.ID), zap.String("source", path))
		}
		docs = append(docs, *doc)
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "stage: ingest %s", dir)
	}
	return docs, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", eris.Wrapf(err, "stage: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", eris.Wrapf(err, "stage: hash %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
