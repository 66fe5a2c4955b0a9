package recognition

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeGalleryFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gallery.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func messages(issues []ValidationIssue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Identity+": "+i.Message)
	}
	return out
}

func TestValidateSavedGalleryIsClean(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gallery.yaml")
	g := NewGallery()
	require.NoError(t, g.Add("alice", []float32{1, 0, 0}))
	require.NoError(t, g.Add("alice", []float32{0.9, 0.1, 0}))
	require.NoError(t, g.Add("bob", []float32{0, 1, 0}))
	require.NoError(t, g.Save(path))

	report, err := ValidateGalleryFile(path)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Empty(t, report.Errors)
	assert.Empty(t, report.Warnings)
	assert.Equal(t, 2, report.Identities)
	assert.Equal(t, 3, report.References)
	assert.Equal(t, 3, report.Dimension)
}

func TestValidateReportsBrokenGallery(t *testing.T) {
	t.Parallel()

	path := writeGalleryFile(t, `version: 1
identities:
  - name: alice
    embeddings: [[1, 0, 0], [1, 0, 0]]
  - name: bob
    threshold: 1.5
    embeddings: [[0, 1], [0, 0, 0], [.nan, 1, 0]]
  - name: alice
    embeddings: [[0, 0, 1]]
  - name: unknown
    embeddings: [[0, 1, 0]]
  - name: carol
    embeddings: []
  - name: dave
    embeddings: [[0.999, 0.01, 0]]
`)

	report, err := ValidateGalleryFile(path)
	require.NoError(t, err)
	assert.False(t, report.Valid)

	errs := messages(report.Errors)
	assert.Contains(t, errs, "bob: threshold 1.500 outside 0..1")
	assert.Contains(t, errs, "bob: embedding 0 has 2 values, gallery uses 3")
	assert.Contains(t, errs, "bob: embedding 1 is all zeros")
	assert.Contains(t, errs, "bob: embedding 2 contains NaN or Inf")
	assert.Contains(t, errs, "alice: listed more than once, only the last entry is kept")
	assert.Contains(t, errs, `unknown: "Unknown" is reserved`)

	warns := messages(report.Warnings)
	assert.Contains(t, warns, "alice: embedding 1 duplicates embedding 0")
	assert.Contains(t, warns, "carol: no reference embeddings, never matched")
	assert.Contains(t, warns, "alice: reference nearly identical to dave (similarity 1.000)")

	_, err = LoadGallery(path)
	assert.Error(t, err, "the loader refuses what the report flags")
}

func TestValidateUnparsableFile(t *testing.T) {
	t.Parallel()

	report, err := ValidateGalleryFile(writeGalleryFile(t, "identities: {not: [a list"))
	require.NoError(t, err)
	assert.False(t, report.Valid)
	require.Len(t, report.Errors, 1)

	_, err = ValidateGalleryFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
