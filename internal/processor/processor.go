// Package processor runs face recognition over transferred clips. Clips are
// started in submission order with at most N running at once; each run
// writes one immutable result to the catalog.
package processor

import (
	"container/list"
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/blinksync/syncbrain/internal/catalog"
	"github.com/blinksync/syncbrain/internal/conf"
	"github.com/blinksync/syncbrain/internal/errors"
	"github.com/blinksync/syncbrain/internal/logger"
	"github.com/blinksync/syncbrain/internal/recognition"
)

// Sentinel errors
var (
	ErrQueueFull  = errors.NewStd("processing queue is full")
	ErrStopped    = errors.NewStd("processor stopped")
	ErrNotReady   = errors.NewStd("clip has not been transferred")
	ErrAlreadyRan = errors.NewStd("clip already processed")
)

// Outcome labels for metrics
const (
	OutcomeDone    = "done"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomeRetry   = "retry"
)

// Catalog is the part of the catalog the processor uses
type Catalog interface {
	GetClip(ctx context.Context, id string) (*catalog.Clip, error)
	Lock(ctx context.Context, clipID string) (func(), error)
	UpdateProcessing(ctx context.Context, id string, u catalog.ProcessingUpdate) error
	AddResult(ctx context.Context, result *catalog.ProcessingResult, clipStatus catalog.ProcessingStatus) error
	SetVideoInfo(ctx context.Context, id string, v catalog.VideoInfo) error
	ListClips(ctx context.Context, f catalog.ClipFilter) ([]catalog.Clip, error)
}

// Metrics receives processing outcomes. Implemented by the observability package.
type Metrics interface {
	RecordClip(outcome string, d time.Duration, frames int)
	SetQueueDepth(n int)
	SetRunning(n int)
}

// SeenRecorder is told which identities a clip contained
type SeenRecorder interface {
	RecordSeen(names []string, at time.Time)
}

// Stats is a snapshot of processor activity
type Stats struct {
	Queued    int   `json:"queued"`
	Running   int   `json:"running"`
	Retrying  int   `json:"retrying"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Processor is the clip processing worker pool
type Processor struct {
	store    Catalog
	decoder  recognition.Decoder
	engine   recognition.Engine
	metrics  Metrics
	seen     SeenRecorder
	stride   int
	timeout  time.Duration
	attempts int
	delay    time.Duration
	maxQueue int

	sem *semaphore.Weighted

	mu        sync.Mutex
	queue     *list.List // clip IDs in arrival order
	pending   map[string]bool
	running   map[string]int // a reprocessed clip may be queued while it runs
	nRunning  int
	retries   map[string]*time.Timer
	completed int64
	failed    int64
	wake      chan struct{}
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	log logger.Logger
}

// Option configures a Processor
type Option func(*Processor)

// WithMetrics sets the metrics recorder
func WithMetrics(m Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithSeenRecorder updates identity statistics after each successful run
func WithSeenRecorder(r SeenRecorder) Option {
	return func(p *Processor) { p.seen = r }
}

// GetLogger returns the processor module logger
func GetLogger() logger.Logger {
	return logger.Global().Module("processor")
}

// New creates a processor. It does nothing until Start.
func New(settings *conf.ProcessingSettings, store Catalog, decoder recognition.Decoder, engine recognition.Engine, opts ...Option) *Processor {
	p := &Processor{
		store:    store,
		decoder:  decoder,
		engine:   engine,
		stride:   max(1, settings.Stride),
		timeout:  settings.ClipTimeout,
		attempts: max(1, settings.MaxAttempts),
		delay:    settings.RetryDelay,
		maxQueue: settings.QueueSize,
		sem:      semaphore.NewWeighted(int64(max(1, settings.Concurrency))),
		queue:    list.New(),
		pending:  make(map[string]bool),
		running:  make(map[string]int),
		retries:  make(map[string]*time.Timer),
		wake:     make(chan struct{}, 1),
		log:      GetLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit queues a clip. A clip already waiting in the queue is not queued twice.
func (p *Processor) Submit(clipID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enqueueLocked(clipID)
}

func (p *Processor) enqueueLocked(clipID string) error {
	if p.stopped {
		return ErrStopped
	}
	if p.pending[clipID] {
		return nil
	}
	if p.maxQueue > 0 && p.queue.Len() >= p.maxQueue {
		return errors.New(ErrQueueFull).
			Component("processor").
			Category(errors.CategoryBusy).
			ClipContext(clipID).
			Context("queue_size", p.maxQueue).
			Build()
	}
	if t, ok := p.retries[clipID]; ok {
		t.Stop()
		delete(p.retries, clipID)
	}
	p.queue.PushBack(clipID)
	p.pending[clipID] = true
	p.publishDepthLocked()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Start launches the dispatcher. Clips already queued start immediately.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.dispatch(ctx)
	}()
	p.log.Info("processor started",
		logger.Int("stride", p.stride),
		logger.Duration("clip_timeout", p.timeout),
		logger.Int("max_attempts", p.attempts))
}

// Stop cancels running clips, drops pending retries and waits for workers.
// Cancelled clips return to unprocessed without using an attempt.
func (p *Processor) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for id, t := range p.retries {
		t.Stop()
		delete(p.retries, id)
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info("processor stopped")
}

// Stats returns current activity counters
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Queued:    p.queue.Len(),
		Running:   p.nRunning,
		Retrying:  len(p.retries),
		Completed: p.completed,
		Failed:    p.failed,
	}
}

// Resume queues every transferred clip that is not finished, in discovery
// order. Clips left in processing by a crash are reset first.
func (p *Processor) Resume(ctx context.Context) (int, error) {
	clips, err := p.store.ListClips(ctx, catalog.ClipFilter{
		TransferStatus:   []catalog.TransferStatus{catalog.TransferTransferred},
		ProcessingStatus: []catalog.ProcessingStatus{catalog.StatusUnprocessed, catalog.StatusProcessing},
	})
	if err != nil {
		return 0, err
	}
	for i := range clips {
		c := &clips[i]
		if c.ProcessingStatus == catalog.StatusProcessing {
			if err := p.store.UpdateProcessing(ctx, c.ID, catalog.ProcessingUpdate{Status: catalog.StatusUnprocessed, LastError: "interrupted"}); err != nil {
				return 0, err
			}
		}
	}
	n, err := p.offer(clips)
	if n > 0 {
		p.log.Info("resumed unfinished clips", logger.Int("count", n))
	}
	return n, err
}

// Backlog queues transferred clips that are still unprocessed and not held by
// this processor. Clips turned away by a full queue or a dropped retry wait
// here for the next call.
func (p *Processor) Backlog(ctx context.Context) (int, error) {
	clips, err := p.store.ListClips(ctx, catalog.ClipFilter{
		TransferStatus:   []catalog.TransferStatus{catalog.TransferTransferred},
		ProcessingStatus: []catalog.ProcessingStatus{catalog.StatusUnprocessed},
	})
	if err != nil {
		return 0, err
	}
	n, err := p.offer(clips)
	if n > 0 {
		p.log.Info("queued backlog clips", logger.Int("count", n))
	}
	return n, err
}

// offer enqueues clips in order until the queue is full
func (p *Processor) offer(clips []catalog.Clip) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i := range clips {
		id := clips[i].ID
		if _, waiting := p.retries[id]; waiting || p.pending[id] || p.running[id] > 0 {
			continue
		}
		if err := p.enqueueLocked(id); err != nil {
			if errors.Is(err, ErrQueueFull) {
				p.log.Debug("processing queue full, backlog deferred",
					logger.Int("deferred", len(clips)-i))
				break
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// Reprocess resets a clip's attempts and queues it again. Earlier results are kept.
func (p *Processor) Reprocess(ctx context.Context, clipID string) error {
	unlock, err := p.store.Lock(ctx, clipID)
	if err != nil {
		return err
	}
	clip, err := p.store.GetClip(ctx, clipID)
	if err == nil && clip.TransferStatus != catalog.TransferTransferred {
		err = notReady(clipID, clip.TransferStatus)
	}
	if err == nil {
		err = p.store.UpdateProcessing(ctx, clipID, catalog.ProcessingUpdate{Status: catalog.StatusUnprocessed, ResetAttempts: true})
	}
	unlock()
	if err != nil {
		return err
	}

	p.log.Info("clip queued for reprocessing", logger.String("clip_id", clipID))
	return p.Submit(clipID)
}

// dispatch starts queued clips in FIFO order as slots free up
func (p *Processor) dispatch(ctx context.Context) {
	for {
		if !p.waitForWork(ctx) {
			return
		}
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}

		p.mu.Lock()
		front := p.queue.Front()
		if front == nil {
			p.mu.Unlock()
			p.sem.Release(1)
			continue
		}
		clipID := p.queue.Remove(front).(string)
		delete(p.pending, clipID)
		p.running[clipID]++
		p.nRunning++
		p.publishDepthLocked()
		p.mu.Unlock()

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.sem.Release(1)
			p.work(ctx, clipID)
		}()
	}
}

func (p *Processor) waitForWork(ctx context.Context) bool {
	for {
		p.mu.Lock()
		n := p.queue.Len()
		p.mu.Unlock()
		if n > 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-p.wake:
		}
	}
}

// work runs one clip and schedules a retry when attempts remain
func (p *Processor) work(ctx context.Context, clipID string) {
	result, err := p.Process(ctx, clipID)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running[clipID]--; p.running[clipID] <= 0 {
		delete(p.running, clipID)
	}
	p.nRunning--
	p.publishDepthLocked()

	switch {
	case err == nil && result != nil && result.Status == catalog.StatusDone:
		p.completed++
	case errors.Is(err, ErrAlreadyRan), ctx.Err() != nil:
	case result != nil && result.Attempt < p.attempts:
		if !p.stopped {
			p.retries[clipID] = time.AfterFunc(p.delay, func() { p.retry(clipID) })
		}
	default:
		p.failed++
	}
}

func (p *Processor) retry(clipID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.retries[clipID]; !ok {
		return
	}
	delete(p.retries, clipID)
	if err := p.enqueueLocked(clipID); err != nil {
		// the clip stays unprocessed and Backlog offers it again
		p.log.Warn("failed to queue retry", logger.String("clip_id", clipID), logger.Error(err))
	}
}

func (p *Processor) publishDepthLocked() {
	if p.metrics != nil {
		p.metrics.SetQueueDepth(p.queue.Len())
		p.metrics.SetRunning(p.nRunning)
	}
}

// Process runs recognition over one clip while holding its catalog lock and
// records the result. A failed run returns the error result and the cause.
func (p *Processor) Process(ctx context.Context, clipID string) (*catalog.ProcessingResult, error) {
	unlock, err := p.store.Lock(ctx, clipID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	clip, err := p.store.GetClip(ctx, clipID)
	if err != nil {
		return nil, err
	}
	switch {
	case clip.TransferStatus != catalog.TransferTransferred:
		return nil, notReady(clipID, clip.TransferStatus)
	case clip.ProcessingStatus == catalog.StatusDone, clip.ProcessingStatus == catalog.StatusError:
		return nil, ErrAlreadyRan
	}

	// catalog writes must land even when the clip context times out
	writeCtx := context.WithoutCancel(ctx)
	if err := p.store.UpdateProcessing(writeCtx, clipID, catalog.ProcessingUpdate{Status: catalog.StatusProcessing}); err != nil {
		return nil, err
	}

	start := time.Now()
	clipCtx, cancel := context.WithTimeout(ctx, p.timeout)
	matches, names, frames, runErr := p.run(clipCtx, clip)
	cancel()
	elapsed := time.Since(start)

	if runErr != nil && ctx.Err() != nil {
		// shutdown, not a clip failure
		_ = p.store.UpdateProcessing(writeCtx, clipID, catalog.ProcessingUpdate{Status: catalog.StatusUnprocessed, LastError: "cancelled"})
		return nil, ctx.Err()
	}

	result := &catalog.ProcessingResult{
		ClipID:   clipID,
		Attempt:  clip.Attempts + 1,
		Duration: elapsed,
	}

	if runErr == nil {
		result.Status = catalog.StatusDone
		result.Matches = matches
		if err := p.store.AddResult(writeCtx, result, catalog.StatusDone); err != nil {
			return nil, err
		}
		if p.seen != nil && len(names) > 0 {
			p.seen.RecordSeen(names, time.Now())
		}
		p.record(OutcomeDone, elapsed, frames)
		p.log.Info("clip processed",
			logger.String("clip_id", clipID),
			logger.Int("frames", frames),
			logger.Int("identities", len(matches)),
			logger.Duration("elapsed", elapsed))
		return result, nil
	}

	outcome := OutcomeError
	if errors.Is(runErr, context.DeadlineExceeded) {
		outcome = OutcomeTimeout
		runErr = errors.New(runErr).
			Component("processor").
			Category(errors.CategoryTimeout).
			ClipContext(clipID).
			Timing("process_clip", elapsed).
			Context("clip_timeout", p.timeout.String()).
			Build()
	}
	result.Status = catalog.StatusError
	result.ErrorDetail = runErr.Error()

	// the clip waits as unprocessed while a retry is due
	clipStatus := catalog.StatusError
	if result.Attempt < p.attempts {
		clipStatus = catalog.StatusUnprocessed
		outcome = OutcomeRetry
	}
	if err := p.store.AddResult(writeCtx, result, clipStatus); err != nil {
		return nil, errors.Join(runErr, err)
	}
	p.record(outcome, elapsed, frames)
	p.log.Warn("clip processing failed",
		logger.String("clip_id", clipID),
		logger.Int("attempt", result.Attempt),
		logger.Int("max_attempts", p.attempts),
		logger.Int("frames", frames),
		logger.Error(runErr))
	return result, runErr
}

// run decodes the clip and aggregates matches over sampled frames
func (p *Processor) run(ctx context.Context, clip *catalog.Clip) (matches []catalog.FaceMatch, names []string, sampled int, err error) {
	src, err := p.decoder.Open(ctx, clip.LocalPath)
	if err != nil {
		return nil, nil, 0, err
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			p.log.Debug("failed to close frame source", logger.String("clip_id", clip.ID), logger.Error(cerr))
		}
	}()

	if infoer, ok := src.(interface{ Info() catalog.VideoInfo }); ok {
		if err := p.store.SetVideoInfo(context.WithoutCancel(ctx), clip.ID, infoer.Info()); err != nil {
			p.log.Warn("failed to store video info", logger.String("clip_id", clip.ID), logger.Error(err))
		}
	}

	agg := newAggregator()
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, sampled, err
		}
		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, sampled, err
		}

		found, err := p.engine.DetectAndMatch(ctx, frame)
		if err != nil {
			return nil, nil, sampled, err
		}
		agg.add(frame.Index, found)
		sampled++

		if err := src.Skip(p.stride - 1); err != nil {
			return nil, nil, sampled, err
		}
	}
	return agg.result(), agg.identities(), sampled, nil
}

func (p *Processor) record(outcome string, d time.Duration, frames int) {
	if p.metrics != nil {
		p.metrics.RecordClip(outcome, d, frames)
	}
}

func notReady(clipID string, status catalog.TransferStatus) error {
	return errors.New(ErrNotReady).
		Component("processor").
		Category(errors.CategoryState).
		ClipContext(clipID).
		Context("transfer_status", string(status)).
		Build()
}
