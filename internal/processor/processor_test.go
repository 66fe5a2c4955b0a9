package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinksync/syncbrain/internal/catalog"
	"github.com/blinksync/syncbrain/internal/errors"
	"github.com/blinksync/syncbrain/internal/recognition"
)

const waitFor = 5 * time.Second

func startProcessor(t *testing.T, p *Processor) {
	t.Helper()
	p.Start(context.Background())
	t.Cleanup(p.Stop)
}

func TestProcessDeduplicatesMatchesAcrossFrames(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	decoder := newFakeDecoder()
	path := addTransferredClip(t, store, "dedup")
	decoder.frames[path] = 10

	engine := engineFunc(func(_ context.Context, f recognition.Frame) ([]recognition.Match, error) {
		return []recognition.Match{{Identity: "alice", Confidence: 0.8 + float64(f.Index)/100}}, nil
	})
	p := New(testSettings(), store, decoder, engine)

	result, err := p.Process(context.Background(), "dedup")
	require.NoError(t, err)
	require.Len(t, result.Matches, 1)

	m := result.Matches[0]
	assert.Equal(t, "alice", m.Identity)
	assert.Equal(t, 10, m.FrameCount)
	assert.InDelta(t, 0.89, m.Confidence, 1e-9)
	assert.Equal(t, 9, m.FrameIndex)

	assert.Equal(t, catalog.StatusDone, clipStatus(t, store, "dedup"))
	clip, err := store.GetClip(context.Background(), "dedup")
	require.NoError(t, err)
	assert.Equal(t, 10, clip.FrameCount)
	assert.Equal(t, "h264", clip.Codec)
}

func TestStrideSamplesEveryNthFrame(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	decoder := newFakeDecoder()
	path := addTransferredClip(t, store, "stride")
	decoder.frames[path] = 25

	// alice is visible in sampled frames 0, 10 and 20 out of 0, 5, 10, 15, 20
	var seen []int
	engine := engineFunc(func(_ context.Context, f recognition.Frame) ([]recognition.Match, error) {
		seen = append(seen, f.Index)
		if f.Index%10 == 0 {
			return []recognition.Match{{Identity: "alice", Confidence: 0.9}}, nil
		}
		return nil, nil
	})
	settings := testSettings()
	settings.Stride = 5
	recorder := &seenRecorder{}
	p := New(settings, store, decoder, engine, WithSeenRecorder(recorder))

	_, err := p.Process(context.Background(), "stride")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 5, 10, 15, 20}, seen)

	latest, err := store.LatestResult(context.Background(), "stride")
	require.NoError(t, err)
	require.Len(t, latest.Matches, 1)
	assert.Equal(t, "alice", latest.Matches[0].Identity)
	assert.InDelta(t, 0.9, latest.Matches[0].Confidence, 1e-9)
	assert.Equal(t, 3, latest.Matches[0].FrameCount)
	assert.Equal(t, catalog.StatusDone, latest.Status)
	assert.Equal(t, []string{"alice"}, recorder.names)
}

func TestProcessRejectsUntransferredClip(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	_, _, err := store.RegisterClip(context.Background(), &catalog.Clip{ID: "raw", DiscoveryKey: "raw.mp4|1|1"})
	require.NoError(t, err)

	p := New(testSettings(), store, newFakeDecoder(), engineFunc(noFaces))
	_, err = p.Process(context.Background(), "raw")
	require.ErrorIs(t, err, ErrNotReady)
	assert.True(t, errors.IsCategory(err, errors.CategoryState))
	assert.Equal(t, catalog.StatusUnprocessed, clipStatus(t, store, "raw"))
}

func TestProcessSkipsFinishedClip(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	addTransferredClip(t, store, "once")
	p := New(testSettings(), store, newFakeDecoder(), engineFunc(noFaces))

	_, err := p.Process(context.Background(), "once")
	require.NoError(t, err)
	_, err = p.Process(context.Background(), "once")
	require.ErrorIs(t, err, ErrAlreadyRan)

	results, err := store.Results(context.Background(), "once")
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestFIFOStartOrder(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	decoder := newFakeDecoder()

	settings := testSettings()
	settings.Concurrency = 1
	p := New(settings, store, decoder, engineFunc(noFaces))

	var want []string
	for i := range 6 {
		id := fmt.Sprintf("clip-%d", i)
		addTransferredClip(t, store, id)
		want = append(want, id+".mp4")
		require.NoError(t, p.Submit(id))
	}
	startProcessor(t, p)

	require.Eventually(t, func() bool { return p.Stats().Completed == 6 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, want, decoder.openOrder())
}

func TestBackpressureLimitsConcurrency(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	decoder := newFakeDecoder()
	decoder.onOpen = func(ctx context.Context, _ string) error {
		select {
		case <-time.After(20 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var running, peak atomic.Int32
	engine := engineFunc(func(ctx context.Context, _ recognition.Frame) ([]recognition.Match, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return nil, ctx.Err()
	})

	settings := testSettings()
	settings.Concurrency = 2
	p := New(settings, store, decoder, engine)
	startProcessor(t, p)

	for i := range 8 {
		id := fmt.Sprintf("load-%d", i)
		addTransferredClip(t, store, id)
		require.NoError(t, p.Submit(id))
		assert.LessOrEqual(t, p.Stats().Running, 2)
	}

	require.Eventually(t, func() bool { return p.Stats().Completed == 8 }, waitFor, 5*time.Millisecond)
	assert.LessOrEqual(t, decoder.maxConcurrent(), 2)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 0, p.Stats().Queued)
}

func TestClipTimeoutRetriesThenFails(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	addTransferredClip(t, store, "slow")

	engine := engineFunc(func(ctx context.Context, _ recognition.Frame) ([]recognition.Match, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	settings := testSettings()
	settings.ClipTimeout = 30 * time.Millisecond
	settings.MaxAttempts = 2
	p := New(settings, store, newFakeDecoder(), engine)
	startProcessor(t, p)

	require.NoError(t, p.Submit("slow"))
	require.Eventually(t, func() bool { return p.Stats().Failed == 1 }, waitFor, 5*time.Millisecond)

	assert.Equal(t, catalog.StatusError, clipStatus(t, store, "slow"))
	results, err := store.Results(context.Background(), "slow")
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, catalog.StatusError, r.Status)
		assert.Contains(t, r.ErrorDetail, "deadline exceeded")
	}
	assert.Equal(t, 2, results[0].Attempt, "newest result first")

	clip, err := store.GetClip(context.Background(), "slow")
	require.NoError(t, err)
	assert.Equal(t, 2, clip.Attempts)
}

func TestFailureDoesNotBlockSiblings(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	decoder := newFakeDecoder()
	bad := addTransferredClip(t, store, "bad")
	addTransferredClip(t, store, "good")
	decoder.openErr[bad] = errDecode

	settings := testSettings()
	settings.Concurrency = 1
	settings.MaxAttempts = 1
	p := New(settings, store, decoder, engineFunc(noFaces))
	startProcessor(t, p)

	require.NoError(t, p.Submit("bad"))
	require.NoError(t, p.Submit("good"))

	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.Completed == 1 && s.Failed == 1
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, catalog.StatusError, clipStatus(t, store, "bad"))
	assert.Equal(t, catalog.StatusDone, clipStatus(t, store, "good"))

	latest, err := store.LatestResult(context.Background(), "bad")
	require.NoError(t, err)
	assert.Contains(t, latest.ErrorDetail, "corrupt container")
}

func TestReprocessAddsNewResult(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	addTransferredClip(t, store, "again")

	p := New(testSettings(), store, newFakeDecoder(), engineFunc(noFaces))
	startProcessor(t, p)

	require.NoError(t, p.Submit("again"))
	require.Eventually(t, func() bool { return p.Stats().Completed == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, p.Reprocess(context.Background(), "again"))
	require.Eventually(t, func() bool { return p.Stats().Completed == 2 }, waitFor, 5*time.Millisecond)

	results, err := store.Results(context.Background(), "again")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.NotEqual(t, results[0].ID, results[1].ID)
	assert.Equal(t, 1, results[0].Attempt, "attempts restart after a manual reprocess")
}

func TestReprocessUnknownClip(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	p := New(testSettings(), store, newFakeDecoder(), engineFunc(noFaces))

	err := p.Reprocess(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestResumeRequeuesInterruptedClips(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	addTransferredClip(t, store, "crashed")
	addTransferredClip(t, store, "waiting")
	addTransferredClip(t, store, "finished")
	require.NoError(t, store.UpdateProcessing(ctx, "crashed", catalog.ProcessingUpdate{Status: catalog.StatusProcessing}))
	require.NoError(t, store.AddResult(ctx, &catalog.ProcessingResult{ClipID: "finished", Status: catalog.StatusDone, Attempt: 1}, catalog.StatusDone))

	decoder := newFakeDecoder()
	settings := testSettings()
	settings.Concurrency = 1
	p := New(settings, store, decoder, engineFunc(noFaces))

	n, err := p.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, catalog.StatusUnprocessed, clipStatus(t, store, "crashed"))

	startProcessor(t, p)
	require.Eventually(t, func() bool { return p.Stats().Completed == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"crashed.mp4", "waiting.mp4"}, decoder.openOrder())
}

func TestStopReturnsRunningClipToQueueState(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	addTransferredClip(t, store, "busy")

	started := make(chan struct{})
	var once sync.Once
	engine := engineFunc(func(ctx context.Context, _ recognition.Frame) ([]recognition.Match, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p := New(testSettings(), store, newFakeDecoder(), engine)
	p.Start(context.Background())

	require.NoError(t, p.Submit("busy"))
	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("clip never started")
	}
	p.Stop()

	clip, err := store.GetClip(context.Background(), "busy")
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusUnprocessed, clip.ProcessingStatus)
	assert.Zero(t, clip.Attempts)

	results, err := store.Results(context.Background(), "busy")
	require.NoError(t, err)
	assert.Empty(t, results)

	require.ErrorIs(t, p.Submit("busy"), ErrStopped)
}

func TestSubmitQueueLimitAndDedup(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	settings := testSettings()
	settings.QueueSize = 1
	p := New(settings, store, newFakeDecoder(), engineFunc(noFaces))
	t.Cleanup(p.Stop)

	require.NoError(t, p.Submit("a"))
	require.NoError(t, p.Submit("a"), "a queued clip is not queued twice")

	err := p.Submit("b")
	require.ErrorIs(t, err, ErrQueueFull)
	assert.True(t, errors.IsCategory(err, errors.CategoryBusy))
	assert.Equal(t, 1, p.Stats().Queued)
}

func TestBacklogRequeuesClipsTurnedAway(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	addTransferredClip(t, store, "first")
	addTransferredClip(t, store, "second")

	settings := testSettings()
	settings.QueueSize = 1
	settings.Concurrency = 1
	p := New(settings, store, newFakeDecoder(), engineFunc(noFaces))

	require.NoError(t, p.Submit("first"))
	require.ErrorIs(t, p.Submit("second"), ErrQueueFull)

	n, err := p.Backlog(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a full queue defers the backlog")

	startProcessor(t, p)
	require.Eventually(t, func() bool { return p.Stats().Completed == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, catalog.StatusUnprocessed, clipStatus(t, store, "second"))

	n, err = p.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Eventually(t, func() bool { return p.Stats().Completed == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, catalog.StatusDone, clipStatus(t, store, "second"))

	n, err = p.Backlog(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
