package service

import (
	"context"
	"io"
	"math"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinksync/syncbrain/internal/api"
	"github.com/blinksync/syncbrain/internal/buildinfo"
	"github.com/blinksync/syncbrain/internal/catalog"
	"github.com/blinksync/syncbrain/internal/conf"
	"github.com/blinksync/syncbrain/internal/drive"
	"github.com/blinksync/syncbrain/internal/recognition"
)

// clipDecoder yields a fixed number of blank frames for every clip
type clipDecoder struct {
	frames int
}

func (d clipDecoder) Open(ctx context.Context, path string) (recognition.FrameSource, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return &clipFrames{total: d.frames}, ctx.Err()
}

type clipFrames struct {
	next  int
	total int
}

func (s *clipFrames) Next(ctx context.Context) (recognition.Frame, error) {
	if err := ctx.Err(); err != nil {
		return recognition.Frame{}, err
	}
	if s.next >= s.total {
		return recognition.Frame{}, io.EOF
	}
	f := recognition.Frame{Index: s.next}
	s.next++
	return f, nil
}

func (s *clipFrames) Skip(n int) error {
	s.next += n
	return nil
}

func (s *clipFrames) Close() error { return nil }

// faceBackend finds one face in the listed frames, embedded at a fixed
// similarity to the gallery reference [1, 0].
type faceBackend struct {
	mu         sync.Mutex
	faceFrames []int
	similarity float64
	closed     bool
}

func (b *faceBackend) Detect(_ context.Context, frame recognition.Frame) ([]recognition.Region, error) {
	if !slices.Contains(b.faceFrames, frame.Index) {
		return nil, nil
	}
	return []recognition.Region{{X: 10, Y: 10, W: 64, H: 64}}, nil
}

func (b *faceBackend) Embed(context.Context, recognition.Frame, recognition.Region) ([]float32, error) {
	return []float32{float32(b.similarity), float32(math.Sqrt(1 - b.similarity*b.similarity))}, nil
}

func (b *faceBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *faceBackend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func testSettings(t *testing.T, role string) *conf.Settings {
	t.Helper()
	root := t.TempDir()

	image := filepath.Join(root, "blink.img")
	require.NoError(t, os.WriteFile(image, make([]byte, 4096), 0o644))
	mountpoint := filepath.Join(root, "mnt")
	require.NoError(t, os.MkdirAll(mountpoint, 0o755))

	retry := conf.RetrySettings{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
	return &conf.Settings{
		Node: conf.NodeSettings{Name: "garage", Role: role},
		Drive: conf.DriveSettings{
			ImagePath:         image,
			Mountpoint:        mountpoint,
			BusyPolicy:        conf.BusyPolicyQueue,
			SwitchTimeout:     10 * time.Second,
			QuiescenceTimeout: time.Second,
			Retry:             retry,
		},
		Transfer: conf.TransferSettings{
			Source:       conf.SourceLocal,
			LocalDir:     filepath.Join(root, "clips"),
			Extensions:   []string{".mp4"},
			Verify:       conf.VerifySHA256,
			DeleteSource: true,
			Retry:        retry,
		},
		Processing: conf.ProcessingSettings{
			Stride:      2,
			Concurrency: 2,
			ClipTimeout: 10 * time.Second,
			MaxAttempts: 1,
			Backend:     conf.BackendOpenCV,
		},
		Recognition: conf.RecognitionSettings{
			GalleryPath: filepath.Join(root, "gallery.yaml"),
			Threshold:   0.6,
			MinFaceSize: 20,
		},
		Retention: conf.RetentionSettings{Enabled: true, MaxAge: "30d", Interval: time.Hour},
		Catalog:   conf.CatalogSettings{Type: conf.CatalogSQLite, SQLite: conf.SQLiteSettings{Path: filepath.Join(root, "catalog.db")}},
		Sync:      conf.SyncSettings{Interval: time.Hour},
		Status:    conf.StatusSettings{TransitionHistory: 10},
	}
}

func writeGallery(t *testing.T, path string) {
	t.Helper()
	g := recognition.NewGallery()
	require.NoError(t, g.Add("alice", []float32{1, 0}))
	require.NoError(t, g.Save(path))
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 10*time.Second, 10*time.Millisecond, msg)
}

// A clip recorded by the camera ends up as a done result with alice seen in
// three of the five sampled frames, and the camera gets its drive back.
func TestEndToEndAliceClip(t *testing.T) {
	t.Parallel()

	settings := testSettings(t, conf.RoleCombined)
	writeGallery(t, settings.Recognition.GalleryPath)
	clipDir := filepath.Join(settings.Drive.Mountpoint, "blink", "2026-10-17")
	require.NoError(t, os.MkdirAll(clipDir, 0o755))
	clipPath := filepath.Join(clipDir, "front-door.mp4")
	require.NoError(t, os.WriteFile(clipPath, []byte("not really a video"), 0o644))

	host := drive.NewFakeHost(false, false)
	backend := &faceBackend{faceFrames: []int{0, 4, 8}, similarity: 0.9}

	svc, err := New(settings, buildinfo.NewContext("test", "", "node-1"),
		WithDriveHost(host.Gadget(), host.Mounter()),
		WithRecognition(clipDecoder{frames: 10}, backend))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	store := svc.Catalog()
	var clip catalog.Clip
	waitFor(t, func() bool {
		clips, err := store.ListClips(ctx, catalog.ClipFilter{ProcessingStatus: []catalog.ProcessingStatus{catalog.StatusDone}})
		if err != nil || len(clips) != 1 {
			return false
		}
		clip = clips[0]
		return true
	}, "clip was never processed")
	waitFor(t, func() bool { return svc.Coordinator().Mode() == drive.ModeStorage }, "drive never returned to storage")

	results, err := store.Results(ctx, clip.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, catalog.StatusDone, results[0].Status)
	require.Len(t, results[0].Matches, 1)
	m := results[0].Matches[0]
	assert.Equal(t, "alice", m.Identity)
	assert.InDelta(t, 0.9, m.Confidence, 1e-4)
	assert.Equal(t, 3, m.FrameCount)

	assert.Equal(t, catalog.TransferTransferred, clip.TransferStatus)
	assert.FileExists(t, clip.LocalPath)
	assert.NoFileExists(t, clipPath, "source removed after verified copy")

	snap, err := svc.Status().Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "storage", snap.Mode)
	require.NotNil(t, snap.Counts)
	assert.EqualValues(t, 1, snap.Counts.Done)
	assert.Empty(t, snap.Errors)

	transitions, err := svc.Coordinator().Transitions(ctx, 10)
	require.NoError(t, err)
	var targets []drive.Mode
	for _, tr := range transitions {
		if tr.Outcome == drive.OutcomeSuccess {
			targets = append(targets, tr.Target)
		}
	}
	// newest first: back to storage after serving
	require.GreaterOrEqual(t, len(targets), 2)
	assert.Equal(t, []drive.Mode{drive.ModeStorage, drive.ModeServer}, targets[:2])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.False(t, host.Violated(), "gadget and mount were active together")
	assert.True(t, backend.isClosed())

	g, err := recognition.LoadGallery(settings.Recognition.GalleryPath)
	require.NoError(t, err)
	alice, ok := g.Get("alice")
	require.True(t, ok)
	assert.Equal(t, 1, alice.DetectionCount)
}

func TestStorageNodeServesForWindow(t *testing.T) {
	t.Parallel()

	settings := testSettings(t, conf.RoleStorage)
	settings.Sync.Window = 20 * time.Millisecond
	host := drive.NewFakeHost(true, false)

	svc, err := New(settings, nil, WithDriveHost(host.Gadget(), host.Mounter()))
	require.NoError(t, err)
	t.Cleanup(svc.close)
	assert.Nil(t, svc.Processor())

	ctx := context.Background()
	mode, err := svc.Coordinator().Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, drive.ModeStorage, mode)

	require.NoError(t, svc.SyncOnce(ctx))
	assert.Equal(t, drive.ModeStorage, svc.Coordinator().Mode())

	bound, mounted := host.State()
	assert.True(t, bound)
	assert.False(t, mounted)
	assert.False(t, host.Violated())
}

type busyPeer struct {
	ops     atomic.Int32
	cancels atomic.Int32
}

func (p *busyPeer) InFlight() int   { return int(p.ops.Load()) }
func (p *busyPeer) Operations() int { return int(p.ops.Load()) }
func (p *busyPeer) CancelInFlight() {
	p.cancels.Add(1)
	p.ops.Store(0)
}

// A storage node whose clips are pulled over SFTP asks the processing node
// to stop before handing the drive back.
func TestStorageNodeQuiescesRemotePeer(t *testing.T) {
	t.Parallel()

	peer := &busyPeer{}
	peer.ops.Store(1)
	ts := httptest.NewServer(api.New(&conf.APISettings{RateLimit: 100, Burst: 100}, api.WithTransfers(peer)).Handler())
	t.Cleanup(ts.Close)

	settings := testSettings(t, conf.RoleStorage)
	settings.Sync.Window = 20 * time.Millisecond
	settings.Sync.PeerURL = ts.URL
	settings.Drive.QuiescenceTimeout = 100 * time.Millisecond
	host := drive.NewFakeHost(true, false)

	svc, err := New(settings, nil, WithDriveHost(host.Gadget(), host.Mounter()))
	require.NoError(t, err)
	t.Cleanup(svc.close)

	ctx := context.Background()
	_, err = svc.Coordinator().Recover(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.SyncOnce(ctx))
	assert.Equal(t, drive.ModeStorage, svc.Coordinator().Mode())
	assert.EqualValues(t, 1, peer.cancels.Load(), "busy peer cancelled after the quiescence timeout")
	assert.False(t, host.Violated())
}

func TestSyncOnceReportsFailedSwitch(t *testing.T) {
	t.Parallel()

	settings := testSettings(t, conf.RoleStorage)
	settings.Drive.Retry.MaxRetries = 0
	host := drive.NewFakeHost(true, false)
	host.FailMount = 5

	svc, err := New(settings, nil, WithDriveHost(host.Gadget(), host.Mounter()))
	require.NoError(t, err)
	t.Cleanup(svc.close)

	ctx := context.Background()
	_, err = svc.Coordinator().Recover(ctx)
	require.NoError(t, err)

	require.Error(t, svc.SyncOnce(ctx))
	assert.Equal(t, drive.ModeStorage, svc.Coordinator().Mode(), "rolled back to storage")

	snap, err := svc.Status().Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, snap.HasAlert(drive.AlertTransitionFailure))
	assert.False(t, host.Violated())
}

// A drive that cannot be bound at startup raises transition_failure but the
// node stays up for the next sync cycle to try again.
func TestRunSurvivesFailedRecovery(t *testing.T) {
	t.Parallel()

	settings := testSettings(t, conf.RoleStorage)
	host := drive.NewFakeHost(true, true)
	host.FailBind = 1000

	svc, err := New(settings, nil, WithDriveHost(host.Gadget(), host.Mounter()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	waitFor(t, func() bool {
		snap, err := svc.Status().Snapshot(ctx)
		return err == nil && snap.HasAlert(drive.AlertTransitionFailure)
	}, "transition_failure never raised")

	select {
	case err := <-done:
		t.Fatalf("Run returned after failed recovery: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, drive.ModeUnknown, svc.Coordinator().Mode())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, host.Violated())
}

func TestProcessingNodeHasNoDrive(t *testing.T) {
	t.Parallel()

	settings := testSettings(t, conf.RoleProcessing)
	settings.API = conf.APISettings{Enabled: true, Listen: "127.0.0.1:0", RateLimit: 1, Burst: 1}

	svc, err := New(settings, nil, WithRecognition(clipDecoder{frames: 1}, &faceBackend{}))
	require.NoError(t, err)
	t.Cleanup(svc.close)

	assert.Nil(t, svc.Coordinator())
	assert.NotNil(t, svc.Processor())
	assert.NotNil(t, svc.api)

	snap, err := svc.Status().Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Mode)
	assert.NotNil(t, snap.Queue)
}

func TestNewBackendRejectsUnknown(t *testing.T) {
	t.Parallel()
	_, err := NewBackend(&conf.ProcessingSettings{Backend: "onnx"})
	require.Error(t, err)
}
