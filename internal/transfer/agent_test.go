package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinksync/syncbrain/internal/catalog"
	"github.com/blinksync/syncbrain/internal/conf"
	"github.com/blinksync/syncbrain/internal/errors"
)

var baseTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func testSettings(t *testing.T) *conf.TransferSettings {
	t.Helper()
	return &conf.TransferSettings{
		Source:       conf.SourceLocal,
		LocalDir:     filepath.Join(t.TempDir(), "clips"),
		Extensions:   []string{".mp4", "MOV"},
		Verify:       conf.VerifySHA256,
		DeleteSource: true,
		KnownKeyTTL:  time.Hour,
		Retry:        conf.RetrySettings{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2},
	}
}

func newTestStore(t *testing.T) *catalog.Store {
	t.Helper()
	store, err := catalog.OpenSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestAgent(t *testing.T, settings *conf.TransferSettings, src Source, store *catalog.Store) *Agent {
	t.Helper()
	a, err := NewAgent(settings, src, store, withSleep(noSleep))
	require.NoError(t, err)
	return a
}

func writeClip(t *testing.T, root, rel string, data []byte, mtime time.Time) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, data, 0o644))
	require.NoError(t, os.Chtimes(p, mtime, mtime))
}

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type recordingSink struct {
	mu  sync.Mutex
	ids []string
}

func (s *recordingSink) Submit(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
	return nil
}

func (s *recordingSink) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

func TestScanRegistersNewClipsOnce(t *testing.T) {
	t.Parallel()
	srcDir := t.TempDir()
	store := newTestStore(t)
	settings := testSettings(t)

	writeClip(t, srcDir, "Blink/front/clip_b.mp4", []byte("bbbb"), baseTime.Add(2*time.Minute))
	writeClip(t, srcDir, "Blink/front/clip_a.mp4", []byte("aaaa"), baseTime)
	writeClip(t, srcDir, "Blink/back/clip_c.MOV", []byte("cccc"), baseTime.Add(time.Minute))
	writeClip(t, srcDir, "Blink/notes.txt", []byte("x"), baseTime)
	writeClip(t, srcDir, ".Trashes/old.mp4", []byte("x"), baseTime)

	a := newTestAgent(t, settings, NewLocalSource(srcDir), store)
	ctx := context.Background()

	clips, err := a.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, clips, 3)
	assert.Equal(t, "Blink/front/clip_a.mp4", clips[0].SourcePath)
	assert.Equal(t, "Blink/back/clip_c.MOV", clips[1].SourcePath)
	assert.Equal(t, "Blink/front/clip_b.mp4", clips[2].SourcePath)
	for _, c := range clips {
		assert.Equal(t, catalog.TransferPending, c.TransferStatus)
		assert.Equal(t, catalog.StatusUnprocessed, c.ProcessingStatus)
	}
	assert.True(t, clips[0].DiscoveredAt.Before(clips[1].DiscoveredAt))

	again, err := a.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)

	// A fresh agent has a cold cache and falls back to the catalog
	fresh := newTestAgent(t, settings, NewLocalSource(srcDir), store)
	again, err = fresh.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestTransferVerifiedCopyRemovesSource(t *testing.T) {
	t.Parallel()
	srcDir := t.TempDir()
	store := newTestStore(t)
	settings := testSettings(t)
	data := []byte("front door motion clip")
	writeClip(t, srcDir, "clip.mp4", data, baseTime)

	a := newTestAgent(t, settings, NewLocalSource(srcDir), store)
	ctx := context.Background()
	clips, err := a.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, clips, 1)

	dest, err := a.Transfer(ctx, &clips[0])
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(settings.LocalDir, clips[0].ID+".mp4"), dest)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	stored, err := store.GetClip(ctx, clips[0].ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.TransferTransferred, stored.TransferStatus)
	assert.Equal(t, sha(data), stored.ContentHash)
	assert.Equal(t, dest, stored.LocalPath)

	_, err = os.Stat(filepath.Join(srcDir, "clip.mp4"))
	assert.True(t, os.IsNotExist(err), "source removed after verification")
}

func TestTransferKeepsSourceWhenConfigured(t *testing.T) {
	t.Parallel()
	srcDir := t.TempDir()
	settings := testSettings(t)
	settings.DeleteSource = false
	settings.Verify = conf.VerifySize
	writeClip(t, srcDir, "clip.mp4", []byte("data"), baseTime)

	a := newTestAgent(t, settings, NewLocalSource(srcDir), newTestStore(t))
	ctx := context.Background()
	clips, err := a.Scan(ctx)
	require.NoError(t, err)

	_, err = a.Transfer(ctx, &clips[0])
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(srcDir, "clip.mp4"))
	assert.NoError(t, err)
}

// truncatingSource shortens the file after the first read, as if the camera
// rewrote it mid-copy.
type truncatingSource struct {
	*LocalSource
}

func (s truncatingSource) Open(ctx context.Context, rel string) (io.ReadCloser, error) {
	f, err := s.LocalSource.Open(ctx, rel)
	if err != nil {
		return nil, err
	}
	return &truncatingReader{ReadCloser: f, path: s.abs(rel)}, nil
}

type truncatingReader struct {
	io.ReadCloser
	path string
	done bool
}

func (r *truncatingReader) Read(p []byte) (int, error) {
	if len(p) > 8 {
		p = p[:8]
	}
	n, err := r.ReadCloser.Read(p)
	if !r.done {
		r.done = true
		_ = os.Truncate(r.path, 16)
	}
	return n, err
}

func TestTruncatedSourceIsNeverMarkedTransferred(t *testing.T) {
	t.Parallel()
	srcDir := t.TempDir()
	store := newTestStore(t)
	settings := testSettings(t)
	writeClip(t, srcDir, "clip.mp4", make([]byte, 4096), baseTime)

	a := newTestAgent(t, settings, truncatingSource{NewLocalSource(srcDir)}, store)
	ctx := context.Background()
	clips, err := a.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, clips, 1)

	_, err = a.Transfer(ctx, &clips[0])
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVerification)
	assert.True(t, errors.IsCategory(err, errors.CategoryVerification))

	stored, err := store.GetClip(ctx, clips[0].ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.TransferFailed, stored.TransferStatus)
	assert.Equal(t, 1, stored.TransferAttempts)
	assert.NotEmpty(t, stored.LastError)
	assert.Empty(t, stored.LocalPath)

	entries, err := os.ReadDir(settings.LocalDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no partial or temporary file left behind")

	_, err = os.Stat(filepath.Join(srcDir, "clip.mp4"))
	assert.NoError(t, err, "source kept when verification fails")
}

func TestTransferPendingFeedsSinkInDiscoveryOrder(t *testing.T) {
	t.Parallel()
	srcDir := t.TempDir()
	store := newTestStore(t)
	for i, name := range []string{"a.mp4", "b.mp4", "c.mp4"} {
		writeClip(t, srcDir, name, []byte(name), baseTime.Add(time.Duration(i)*time.Minute))
	}

	a := newTestAgent(t, testSettings(t), NewLocalSource(srcDir), store)
	sink := &recordingSink{}
	discovered, transferred, err := a.Cycle(context.Background(), sink)
	require.NoError(t, err)
	assert.Equal(t, 3, discovered)
	assert.Equal(t, 3, transferred)

	ids := sink.IDs()
	require.Len(t, ids, 3)
	clips, err := store.ListClips(context.Background(), catalog.ClipFilter{})
	require.NoError(t, err)
	for i := range clips {
		assert.Equal(t, clips[i].ID, ids[i])
		assert.Equal(t, catalog.TransferTransferred, clips[i].TransferStatus)
	}
}

// blockingSource holds the first read until released
type blockingSource struct {
	*LocalSource
	release chan struct{}
}

func (s blockingSource) Open(ctx context.Context, rel string) (io.ReadCloser, error) {
	f, err := s.LocalSource.Open(ctx, rel)
	if err != nil {
		return nil, err
	}
	return &blockingReader{ReadCloser: f, release: s.release}, nil
}

type blockingReader struct {
	io.ReadCloser
	release chan struct{}
}

func (r *blockingReader) Read(p []byte) (int, error) {
	<-r.release
	return r.ReadCloser.Read(p)
}

func TestCancelInFlightFailsCopyForRetry(t *testing.T) {
	t.Parallel()
	srcDir := t.TempDir()
	store := newTestStore(t)
	settings := testSettings(t)
	writeClip(t, srcDir, "clip.mp4", []byte("clip data"), baseTime)

	release := make(chan struct{})
	a := newTestAgent(t, settings, blockingSource{NewLocalSource(srcDir), release}, store)
	ctx := context.Background()
	_, err := a.Scan(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := a.TransferPending(ctx, nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return a.InFlight() == 1 }, time.Second, time.Millisecond)

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, a.WaitQuiescent(short), context.DeadlineExceeded)

	a.CancelInFlight()
	close(release)
	require.Error(t, <-done)
	require.NoError(t, a.WaitQuiescent(ctx))
	assert.Equal(t, 0, a.InFlight())

	clips, err := store.ListClips(ctx, catalog.ClipFilter{})
	require.NoError(t, err)
	require.Len(t, clips, 1)
	assert.Equal(t, catalog.TransferFailed, clips[0].TransferStatus)

	// The next cycle picks the failed clip up again
	retry := newTestAgent(t, settings, NewLocalSource(srcDir), store)
	n, err := retry.TransferPending(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWaitQuiescentWhenIdle(t *testing.T) {
	t.Parallel()
	a := newTestAgent(t, testSettings(t), NewLocalSource(t.TempDir()), newTestStore(t))
	assert.NoError(t, a.WaitQuiescent(context.Background()))
	a.CancelInFlight()
}

func TestClipIDAndDiscoveryKey(t *testing.T) {
	t.Parallel()
	f := SourceFile{RelPath: "Blink/front door/clip 01#.MP4", Size: 2048, ModTime: baseTime.Add(1500 * time.Millisecond)}
	discovered := time.Unix(0, 1717243200123456789)

	assert.Equal(t, "clip_01-1717243200123456789-2048", ClipID(f, discovered))
	assert.Equal(t, "Blink/front door/clip 01#.MP4|2048|1717243201", DiscoveryKey(f))

	assert.Equal(t, "clip", sanitiseName("/mnt/blink/###.mp4"))
	assert.Len(t, sanitiseName(string(make([]byte, 300))+"x.mp4"), 1)
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()
	r := conf.RetrySettings{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Duration(0), retryDelay(r, 0))
	assert.Equal(t, time.Second, retryDelay(r, 1))
	assert.Equal(t, 4*time.Second, retryDelay(r, 3))
	assert.Equal(t, 5*time.Second, retryDelay(r, 4))
}
