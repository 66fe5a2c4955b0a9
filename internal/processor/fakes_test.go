package processor

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blinksync/syncbrain/internal/catalog"
	"github.com/blinksync/syncbrain/internal/conf"
	"github.com/blinksync/syncbrain/internal/errors"
	"github.com/blinksync/syncbrain/internal/recognition"
)

// fakeDecoder yields a fixed number of frames per clip path
type fakeDecoder struct {
	mu       sync.Mutex
	frames   map[string]int
	openErr  map[string]error
	onOpen   func(ctx context.Context, path string) error
	opened   []string
	active   int
	maxSeen  int
	closures int
}

func newFakeDecoder() *fakeDecoder {
	return &fakeDecoder{frames: make(map[string]int), openErr: make(map[string]error)}
}

func (d *fakeDecoder) Open(ctx context.Context, path string) (recognition.FrameSource, error) {
	d.mu.Lock()
	d.opened = append(d.opened, filepath.Base(path))
	err := d.openErr[path]
	n, ok := d.frames[path]
	if !ok {
		n = 1
	}
	if err == nil {
		d.active++
		d.maxSeen = max(d.maxSeen, d.active)
	}
	hook := d.onOpen
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	src := &fakeSource{decoder: d, total: n}
	if hook != nil {
		if err := hook(ctx, path); err != nil {
			_ = src.Close()
			return nil, err
		}
	}
	return src, nil
}

func (d *fakeDecoder) openOrder() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.opened...)
}

func (d *fakeDecoder) maxConcurrent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxSeen
}

type fakeSource struct {
	decoder *fakeDecoder
	next    int
	total   int
	closed  bool
}

func (s *fakeSource) Next(ctx context.Context) (recognition.Frame, error) {
	if err := ctx.Err(); err != nil {
		return recognition.Frame{}, err
	}
	if s.next >= s.total {
		return recognition.Frame{}, io.EOF
	}
	f := recognition.Frame{Index: s.next, Offset: time.Duration(s.next) * 40 * time.Millisecond}
	s.next++
	return f, nil
}

func (s *fakeSource) Skip(n int) error {
	s.next += n
	return nil
}

func (s *fakeSource) Info() catalog.VideoInfo {
	return catalog.VideoInfo{Width: 640, Height: 480, FPS: 25, FrameCount: s.total, Codec: "h264"}
}

func (s *fakeSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.decoder.mu.Lock()
	s.decoder.active--
	s.decoder.closures++
	s.decoder.mu.Unlock()
	return nil
}

// engineFunc adapts a function to recognition.Engine
type engineFunc func(ctx context.Context, frame recognition.Frame) ([]recognition.Match, error)

func (f engineFunc) DetectAndMatch(ctx context.Context, frame recognition.Frame) ([]recognition.Match, error) {
	return f(ctx, frame)
}

func noFaces(ctx context.Context, _ recognition.Frame) ([]recognition.Match, error) {
	return nil, ctx.Err()
}

type seenRecorder struct {
	mu    sync.Mutex
	names []string
}

func (r *seenRecorder) RecordSeen(names []string, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, names...)
}

func testSettings() *conf.ProcessingSettings {
	return &conf.ProcessingSettings{
		Stride:      1,
		Concurrency: 2,
		ClipTimeout: 5 * time.Second,
		MaxAttempts: 3,
		RetryDelay:  10 * time.Millisecond,
	}
}

func newTestStore(t *testing.T) *catalog.Store {
	t.Helper()
	store, err := catalog.OpenSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var discoverySeq = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
var discoveryMu sync.Mutex

// addTransferredClip registers a clip and marks it transferred to /clips/<id>.mp4
func addTransferredClip(t *testing.T, store *catalog.Store, id string) string {
	t.Helper()
	ctx := context.Background()

	discoveryMu.Lock()
	discoverySeq = discoverySeq.Add(time.Second)
	at := discoverySeq
	discoveryMu.Unlock()

	_, created, err := store.RegisterClip(ctx, &catalog.Clip{
		ID:           id,
		DiscoveryKey: id + ".mp4|1024|" + at.Format(time.RFC3339),
		SourcePath:   "/mnt/blink/" + id + ".mp4",
		Size:         1024,
		ModTime:      at,
		DiscoveredAt: at,
	})
	require.NoError(t, err)
	require.True(t, created)

	path := "/clips/" + id + ".mp4"
	require.NoError(t, store.UpdateTransfer(ctx, id, catalog.TransferUpdate{
		Status:    catalog.TransferTransferred,
		LocalPath: path,
	}))
	return path
}

func clipStatus(t *testing.T, store *catalog.Store, id string) catalog.ProcessingStatus {
	t.Helper()
	clip, err := store.GetClip(context.Background(), id)
	require.NoError(t, err)
	return clip.ProcessingStatus
}

var errDecode = errors.NewStd("corrupt container")
