package stitch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinksync/syncbrain/internal/catalog"
	"github.com/blinksync/syncbrain/internal/errors"
)

type fakeConcat struct {
	mu    sync.Mutex
	calls [][]string
	fail  map[string]bool // output base names that fail
}

func (f *fakeConcat) Concat(_ context.Context, inputs []string, output string) (ConcatResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, inputs)
	if f.fail[filepath.Base(output)] {
		return ConcatResult{}, errors.NewStd("encoder refused")
	}
	return ConcatResult{Frames: 10 * len(inputs)}, nil
}

func clipAt(id string, at time.Time) catalog.Clip {
	return catalog.Clip{ID: id, ModTime: at, DiscoveredAt: at}
}

func TestGroupSplitsOnGap(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clips := []catalog.Clip{
		clipAt("c", base.Add(50*time.Second)),
		clipAt("a", base),
		clipAt("b", base.Add(30*time.Second)),
		clipAt("d", base.Add(5*time.Minute)),
	}

	events := Group(clips, time.Minute)
	require.Len(t, events, 2)
	assert.Equal(t, base, events[0].Start)
	assert.Equal(t, base.Add(50*time.Second), events[0].End)
	require.Len(t, events[0].Clips, 3)
	assert.Equal(t, "a", events[0].Clips[0].ID)
	assert.Equal(t, "c", events[0].Clips[2].ID)
	assert.Equal(t, "d", events[1].Clips[0].ID)

	assert.Empty(t, Group(nil, time.Minute))
}

func TestGroupChainsClipsWithinGap(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	var clips []catalog.Clip
	for i := range 5 {
		clips = append(clips, clipAt(fmt.Sprint(i), base.Add(time.Duration(i)*45*time.Second)))
	}
	events := Group(clips, time.Minute)
	require.Len(t, events, 1)
	assert.Len(t, events[0].Clips, 5)
}

func seedStore(t *testing.T, dir string, base time.Time) *catalog.Store {
	t.Helper()
	store, err := catalog.OpenSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	add := func(id string, offset time.Duration, status catalog.TransferStatus, onDisk bool) {
		at := base.Add(offset)
		path := filepath.Join(dir, id+".mp4")
		if onDisk {
			require.NoError(t, os.WriteFile(path, []byte("clip"), 0o644))
		}
		_, _, err := store.RegisterClip(ctx, &catalog.Clip{
			ID:             id,
			DiscoveryKey:   fmt.Sprintf("%s.mp4|4|%d", id, at.Unix()),
			SourcePath:     "/mnt/blink/" + id + ".mp4",
			Size:           4,
			ModTime:        at,
			DiscoveredAt:   at,
			LocalPath:      path,
			TransferStatus: status,
		})
		require.NoError(t, err)
	}

	// event one: three clips, one of them deleted from disk
	add("e1-a", 0, catalog.TransferTransferred, true)
	add("e1-b", 20*time.Second, catalog.TransferTransferred, true)
	add("e1-c", 40*time.Second, catalog.TransferTransferred, false)
	// a lone clip below the minimum
	add("lone", 10*time.Minute, catalog.TransferTransferred, true)
	// event two: one clip still pending
	add("e2-a", 20*time.Minute, catalog.TransferTransferred, true)
	add("e2-b", 20*time.Minute+30*time.Second, catalog.TransferTransferred, true)
	add("e2-c", 21*time.Minute, catalog.TransferPending, true)
	return store
}

func TestRunStitchesEventsInWindow(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clipDir := t.TempDir()
	store := seedStore(t, clipDir, base)
	concat := &fakeConcat{}
	outDir := filepath.Join(t.TempDir(), "events")

	outputs, err := New(store, concat).Run(context.Background(), Options{
		Since:    base.Add(-time.Hour),
		MinClips: 2,
		OutDir:   outDir,
	})
	require.NoError(t, err)
	require.Len(t, outputs, 2)

	assert.Equal(t, filepath.Join(outDir, "event-20260501T120000Z.mp4"), outputs[0].Path)
	assert.Equal(t, []string{filepath.Join(clipDir, "e1-a.mp4"), filepath.Join(clipDir, "e1-b.mp4")}, concat.calls[0])
	assert.Equal(t, 20, outputs[0].Frames)

	assert.Equal(t, filepath.Join(outDir, "event-20260501T122000Z.mp4"), outputs[1].Path)
	assert.Len(t, outputs[1].Event.Clips, 2)

	info, err := os.Stat(outDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestRunHonoursWindow(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := seedStore(t, t.TempDir(), base)
	concat := &fakeConcat{}

	outputs, err := New(store, concat).Run(context.Background(), Options{
		Since:    base.Add(15 * time.Minute),
		Until:    base.Add(time.Hour),
		MinClips: 2,
		OutDir:   t.TempDir(),
	})
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, base.Add(20*time.Minute), outputs[0].Event.Start)
}

func TestRunContinuesPastFailedEvent(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := seedStore(t, t.TempDir(), base)
	concat := &fakeConcat{fail: map[string]bool{"event-20260501T120000Z.mp4": true}}

	outputs, err := New(store, concat).Run(context.Background(), Options{
		Since:    base.Add(-time.Hour),
		MinClips: 2,
		OutDir:   t.TempDir(),
	})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryFileIO))
	assert.Contains(t, err.Error(), "encoder refused")
	require.Len(t, outputs, 1)
	assert.Equal(t, base.Add(20*time.Minute), outputs[0].Event.Start)
	assert.Len(t, concat.calls, 2)
}
