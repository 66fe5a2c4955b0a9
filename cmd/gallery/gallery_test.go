package gallery

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinksync/syncbrain/internal/conf"
	"github.com/blinksync/syncbrain/internal/recognition"
)

func gallerySettings(t *testing.T) *conf.Settings {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gallery.yaml")
	g := recognition.NewGallery()
	require.NoError(t, g.Add("alice", []float32{1, 0}))
	require.NoError(t, g.Add("bob", []float32{0, 1}))
	require.NoError(t, g.Save(path))
	return &conf.Settings{Recognition: conf.RecognitionSettings{GalleryPath: path}}
}

func execute(t *testing.T, settings *conf.Settings, args ...string) (string, error) {
	t.Helper()
	cmd := Command(settings)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestListAndRemove(t *testing.T) {
	t.Parallel()
	settings := gallerySettings(t)

	out, err := execute(t, settings, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "bob")

	_, err = execute(t, settings, "remove", "bob")
	require.NoError(t, err)

	g, err := recognition.LoadGallery(settings.Recognition.GalleryPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, g.Identities())

	_, err = execute(t, settings, "remove", "carol")
	require.Error(t, err)
}

func TestThreshold(t *testing.T) {
	t.Parallel()
	settings := gallerySettings(t)

	_, err := execute(t, settings, "threshold", "alice", "--value", "0.75")
	require.NoError(t, err)

	g, err := recognition.LoadGallery(settings.Recognition.GalleryPath)
	require.NoError(t, err)
	alice, ok := g.Get("alice")
	require.True(t, ok)
	assert.InDelta(t, 0.75, alice.Threshold, 1e-9)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	settings := gallerySettings(t)

	out, err := execute(t, settings, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "2 identities, 2 references, dimension 2")

	require.NoError(t, os.WriteFile(settings.Recognition.GalleryPath, []byte(`version: 1
identities:
  - name: alice
    embeddings: [[1, 0], [0, 0]]
`), 0o644))
	out, err = execute(t, settings, "validate", "--json")
	require.Error(t, err)
	assert.Contains(t, out, `"valid": false`)
	assert.Contains(t, out, "embedding 1 is all zeros")
}
