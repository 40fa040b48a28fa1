package ocr

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeTestPDF writes a minimal file standing in for a PDF. The extractors
// only read bytes; none of these tests parse PDF structure.
func writeTestPDF(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 test"), 0o644))
}
