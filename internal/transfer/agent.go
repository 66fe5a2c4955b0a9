package transfer

import (
	"context"
	"fmt"
	"math"
	"os"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/blinksync/syncbrain/internal/catalog"
	"github.com/blinksync/syncbrain/internal/conf"
	"github.com/blinksync/syncbrain/internal/errors"
	"github.com/blinksync/syncbrain/internal/logger"
)

// Agent discovers clips on a Source and copies them into the local directory
type Agent struct {
	source       Source
	catalog      Catalog
	localDir     string
	extensions   []string
	verify       string
	deleteSource bool
	retry        conf.RetrySettings
	metrics      Metrics
	sleep        func(context.Context, time.Duration) error

	known *cache.Cache // discovery keys already in the catalog

	mu            sync.Mutex
	ops           map[uint64]context.CancelFunc
	nextOp        uint64
	copies        int
	idle          chan struct{} // closed while no operation is running
	lastDiscovery time.Time

	log logger.Logger
}

// Option configures an Agent
type Option func(*Agent)

// WithMetrics sets the metrics recorder
func WithMetrics(m Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// withSleep replaces the retry backoff sleep in tests
func withSleep(fn func(context.Context, time.Duration) error) Option {
	return func(a *Agent) { a.sleep = fn }
}

// NewAgent creates a transfer agent reading from source into settings.LocalDir
func NewAgent(settings *conf.TransferSettings, source Source, store Catalog, opts ...Option) (*Agent, error) {
	if err := os.MkdirAll(settings.LocalDir, 0o755); err != nil {
		return nil, errors.New(err).
			Component("transfer").
			Category(errors.CategoryFileIO).
			Context("operation", "create_local_dir").
			Build()
	}

	ttl := settings.KnownKeyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	exts := make([]string, 0, len(settings.Extensions))
	for _, e := range settings.Extensions {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts = append(exts, e)
	}

	idle := make(chan struct{})
	close(idle)

	a := &Agent{
		source:       source,
		catalog:      store,
		localDir:     settings.LocalDir,
		extensions:   exts,
		verify:       settings.Verify,
		deleteSource: settings.DeleteSource,
		retry:        settings.Retry,
		sleep:        sleepCtx,
		known:        cache.New(ttl, ttl/2),
		ops:          make(map[uint64]context.CancelFunc),
		idle:         idle,
		log:          GetLogger().With(logger.String("source", source.String())),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// LocalDir is where transferred clips are written
func (a *Agent) LocalDir() string {
	return a.localDir
}

// track registers a running operation. The returned context is cancelled by
// CancelInFlight.
func (a *Agent) track(ctx context.Context, copying bool) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	if len(a.ops) == 0 {
		a.idle = make(chan struct{})
	}
	id := a.nextOp
	a.nextOp++
	a.ops[id] = cancel
	if copying {
		a.copies++
	}
	a.mu.Unlock()

	return ctx, func() {
		cancel()
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.ops, id)
		if copying {
			a.copies--
		}
		if len(a.ops) == 0 {
			close(a.idle)
		}
	}
}

// InFlight returns the number of clip copies currently running
func (a *Agent) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.copies
}

// Operations returns the number of scans and copies currently running
func (a *Agent) Operations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ops)
}

// WaitQuiescent blocks until no scan or copy is reading from the source
func (a *Agent) WaitQuiescent(ctx context.Context) error {
	a.mu.Lock()
	idle := a.idle
	a.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelInFlight cancels every running scan and copy. Cancelled copies are
// marked failed and retried on the next cycle.
func (a *Agent) CancelInFlight() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.ops) > 0 {
		a.log.Warn("cancelling in-flight transfers", logger.Int("operations", len(a.ops)))
	}
	for _, cancel := range a.ops {
		cancel()
	}
}

func (a *Agent) wanted(relPath string) bool {
	return slices.Contains(a.extensions, strings.ToLower(path.Ext(relPath)))
}

func (a *Agent) warmKnownKeys(ctx context.Context) error {
	if a.known.ItemCount() > 0 {
		return nil
	}
	keys, err := a.catalog.KnownKeys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		a.known.SetDefault(k, struct{}{})
	}
	return nil
}

// nextDiscoveryTime returns a strictly increasing timestamp so that discovery
// order survives coarse clocks.
func (a *Agent) nextDiscoveryTime() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now().UTC()
	if !now.After(a.lastDiscovery) {
		now = a.lastDiscovery.Add(time.Nanosecond)
	}
	a.lastDiscovery = now
	return now
}

// Scan walks the source and registers clips the catalog has not seen, oldest
// first. It returns the newly registered clips in discovery order.
func (a *Agent) Scan(ctx context.Context) ([]catalog.Clip, error) {
	ctx, done := a.track(ctx, false)
	defer done()

	if err := a.warmKnownKeys(ctx); err != nil {
		return nil, err
	}

	var found []SourceFile
	err := a.source.Walk(ctx, func(f SourceFile) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !a.wanted(f.RelPath) {
			return nil
		}
		if _, ok := a.known.Get(DiscoveryKey(f)); ok {
			return nil
		}
		found = append(found, f)
		return nil
	})
	if err != nil {
		return nil, errors.New(err).
			Component("transfer").
			Category(errors.CategoryTransfer).
			Context("operation", "scan").
			Context("source", a.source.String()).
			Build()
	}

	slices.SortFunc(found, func(x, y SourceFile) int {
		if c := x.ModTime.Compare(y.ModTime); c != 0 {
			return c
		}
		return strings.Compare(x.RelPath, y.RelPath)
	})

	var registered []catalog.Clip
	for _, f := range found {
		key := DiscoveryKey(f)
		discovered := a.nextDiscoveryTime()
		clip := &catalog.Clip{
			ID:           ClipID(f, discovered),
			DiscoveryKey: key,
			SourcePath:   f.RelPath,
			Size:         f.Size,
			ModTime:      f.ModTime.UTC(),
			DiscoveredAt: discovered,
		}
		stored, created, err := a.catalog.RegisterClip(ctx, clip)
		if err != nil {
			return registered, err
		}
		a.known.SetDefault(key, struct{}{})
		if created {
			registered = append(registered, *stored)
			a.log.Debug("clip discovered",
				logger.String("clip_id", stored.ID),
				logger.String("path", f.RelPath),
				logger.Int64("size", f.Size))
		}
	}

	if a.metrics != nil {
		a.metrics.RecordDiscovered(len(registered))
	}
	if len(registered) > 0 {
		a.log.Info("new clips discovered", logger.Int("count", len(registered)))
	}
	return registered, nil
}

// Transfer copies one clip into the local directory, verifies it and records
// the outcome. Failed attempts are retried with backoff before the clip is
// marked failed.
func (a *Agent) Transfer(ctx context.Context, clip *catalog.Clip) (string, error) {
	ctx, done := a.track(ctx, true)
	defer done()

	start := time.Now()
	dest := a.destination(clip)
	log := a.log.With(logger.String("clip_id", clip.ID), logger.String("path", clip.SourcePath))

	var (
		hash    string
		lastErr error
	)
	for attempt := 1; ; attempt++ {
		hash, lastErr = a.copyVerified(ctx, clip, dest)
		if lastErr == nil {
			break
		}
		log.Warn("clip transfer attempt failed", logger.Int("attempt", attempt), logger.Error(lastErr))
		if ctx.Err() != nil || attempt > a.retry.MaxRetries {
			break
		}
		if err := a.sleep(ctx, retryDelay(a.retry, attempt)); err != nil {
			break
		}
	}

	bg := context.WithoutCancel(ctx)
	if lastErr != nil {
		outcome := OutcomeFailed
		if ctx.Err() != nil {
			outcome = OutcomeCancelled
		}
		if err := a.catalog.UpdateTransfer(bg, clip.ID, catalog.TransferUpdate{
			Status: catalog.TransferFailed,
			Error:  lastErr.Error(),
		}); err != nil {
			log.Error("failed to record transfer failure", logger.Error(err))
		}
		if a.metrics != nil {
			a.metrics.RecordTransfer(outcome, 0, time.Since(start))
		}
		return "", lastErr
	}

	if err := a.catalog.UpdateTransfer(bg, clip.ID, catalog.TransferUpdate{
		Status:      catalog.TransferTransferred,
		LocalPath:   dest,
		ContentHash: hash,
	}); err != nil {
		// The copy is verified but unrecorded; keep the source for the next cycle
		_ = os.Remove(dest)
		return "", err
	}
	clip.TransferStatus = catalog.TransferTransferred
	clip.LocalPath = dest
	clip.ContentHash = hash

	if a.metrics != nil {
		a.metrics.RecordTransfer(OutcomeTransferred, clip.Size, time.Since(start))
	}
	log.Info("clip transferred",
		logger.String("local_path", dest),
		logger.Int64("bytes", clip.Size),
		logger.Duration("elapsed", time.Since(start)))

	if a.deleteSource {
		if err := a.source.Remove(bg, clip.SourcePath); err != nil {
			log.Warn("verified clip could not be removed from source", logger.Error(err))
		}
	}
	return dest, nil
}

// TransferPending transfers pending and previously failed clips one at a
// time in discovery order, handing each transferred clip to sink.
func (a *Agent) TransferPending(ctx context.Context, sink Sink) (int, error) {
	ctx, done := a.track(ctx, false)
	defer done()

	clips, err := a.catalog.ListClips(ctx, catalog.ClipFilter{
		TransferStatus: []catalog.TransferStatus{catalog.TransferPending, catalog.TransferFailed},
	})
	if err != nil {
		return 0, err
	}

	transferred := 0
	var failures []error
	for i := range clips {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}
		clip := &clips[i]
		if _, err := a.Transfer(ctx, clip); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", clip.ID, err))
			continue
		}
		transferred++
		if sink != nil {
			if err := sink.Submit(clip.ID); err != nil {
				// stays unprocessed in the catalog until the processor backlog picks it up
				a.log.Warn("transferred clip not queued for processing",
					logger.String("clip_id", clip.ID),
					logger.Error(err))
			}
		}
	}

	if len(failures) > 0 {
		return transferred, errors.New(errors.Join(failures...)).
			Component("transfer").
			Category(errors.CategoryTransfer).
			Context("operation", "transfer_pending").
			Context("failed", len(failures)).
			Build()
	}
	return transferred, nil
}

// Cycle scans the source and transfers everything pending
func (a *Agent) Cycle(ctx context.Context, sink Sink) (discovered, transferred int, err error) {
	clips, err := a.Scan(ctx)
	if err != nil {
		return len(clips), 0, err
	}
	transferred, err = a.TransferPending(ctx, sink)
	return len(clips), transferred, err
}

func retryDelay(r conf.RetrySettings, n int) time.Duration {
	if n < 1 || r.InitialDelay <= 0 {
		return 0
	}
	mult := math.Max(r.Multiplier, 1)
	d := float64(r.InitialDelay) * math.Pow(mult, float64(n-1))
	if r.MaxDelay > 0 && d > float64(r.MaxDelay) {
		return r.MaxDelay
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
