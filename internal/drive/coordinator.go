package drive

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/blinksync/syncbrain/internal/conf"
	"github.com/blinksync/syncbrain/internal/errors"
	"github.com/blinksync/syncbrain/internal/logger"
)

// ErrBusy is returned under the reject policy while another switch runs
var ErrBusy = errors.NewStd("drive mode switch already in progress")

// BusyPolicy decides what a switch request does when another one holds the lock
type BusyPolicy string

const (
	BusyQueue  BusyPolicy = conf.BusyPolicyQueue
	BusyReject BusyPolicy = conf.BusyPolicyReject
)

// RetryPolicy is a bounded exponential backoff
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy mirrors the configuration defaults
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2}
}

// Delay returns the wait before retry number n (1-based)
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 || p.InitialDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(n-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Metrics receives switch outcomes. Implemented by the observability package.
type Metrics interface {
	RecordSwitch(target, outcome string, attempts int, d time.Duration)
	SetMode(mode string)
	RecordBusyRejection()
}

// Coordinator owns the backing image and is the only component that binds
// the gadget or mounts the image.
type Coordinator struct {
	image      StorageImage
	mountpoint string
	gadget     Gadget
	mounter    Mounter

	quiescer          Quiescer
	quiescenceTimeout time.Duration
	journal           TransitionLog
	alerts            AlertSink
	metrics           Metrics
	policy            BusyPolicy
	retry             RetryPolicy
	switchTimeout     time.Duration
	sleep             func(context.Context, time.Duration) error

	lock chan struct{} // held for the whole switch

	stateMu      sync.RWMutex
	mode         Mode
	activeAlerts map[string]string
	rejected     bool // a request was rejected while the lock was held

	log logger.Logger
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithQuiescer sets the reader that must go idle before leaving server mode
func WithQuiescer(q Quiescer, timeout time.Duration) Option {
	return func(c *Coordinator) {
		c.quiescer = q
		c.quiescenceTimeout = timeout
	}
}

// WithTransitionLog sets the persistent transition log
func WithTransitionLog(l TransitionLog) Option {
	return func(c *Coordinator) { c.journal = l }
}

// WithAlertSink sets where alerts are persisted
func WithAlertSink(a AlertSink) Option {
	return func(c *Coordinator) { c.alerts = a }
}

// WithMetrics sets the metrics recorder
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithBusyPolicy sets the contention policy
func WithBusyPolicy(p BusyPolicy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithRetryPolicy sets the retry policy for failed switches
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Coordinator) { c.retry = p }
}

// WithSwitchTimeout bounds a queued switch request including waiting for the lock
func WithSwitchTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.switchTimeout = d }
}

// withSleep replaces the backoff sleep in tests
func withSleep(fn func(context.Context, time.Duration) error) Option {
	return func(c *Coordinator) { c.sleep = fn }
}

// NewCoordinator creates a coordinator. Call Recover before the first Switch.
func NewCoordinator(image StorageImage, mountpoint string, gadget Gadget, mounter Mounter, opts ...Option) *Coordinator {
	c := &Coordinator{
		image:        image,
		mountpoint:   mountpoint,
		gadget:       gadget,
		mounter:      mounter,
		policy:       BusyQueue,
		retry:        DefaultRetryPolicy(),
		sleep:        sleepCtx,
		lock:         make(chan struct{}, 1),
		mode:         ModeUnknown,
		activeAlerts: make(map[string]string),
		log:          GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.journal == nil {
		c.journal = NewMemoryLog()
	}
	return c
}

// NewCoordinatorFromSettings wires a coordinator from the drive settings
func NewCoordinatorFromSettings(s *conf.DriveSettings, gadget Gadget, mounter Mounter, opts ...Option) *Coordinator {
	base := []Option{
		WithBusyPolicy(BusyPolicy(s.BusyPolicy)),
		WithSwitchTimeout(s.SwitchTimeout),
		WithRetryPolicy(RetryPolicy{
			MaxRetries:   s.Retry.MaxRetries,
			InitialDelay: s.Retry.InitialDelay,
			MaxDelay:     s.Retry.MaxDelay,
			Multiplier:   s.Retry.Multiplier,
		}),
	}
	image := StorageImage{Path: s.ImagePath, Capacity: s.CapacityMB * 1024 * 1024}
	return NewCoordinator(image, s.Mountpoint, gadget, mounter, append(base, opts...)...)
}

// Mode returns the current mode. ModeTransitioning while a switch runs.
func (c *Coordinator) Mode() Mode {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.mode
}

// Mountpoint returns where the image is mounted in server mode
func (c *Coordinator) Mountpoint() string {
	return c.mountpoint
}

// Image returns the backing image description
func (c *Coordinator) Image() StorageImage {
	return c.image
}

// Transitions returns the last n logged transitions, newest first
func (c *Coordinator) Transitions(ctx context.Context, n int) ([]Transition, error) {
	return c.journal.RecentTransitions(ctx, n)
}

// Alerts returns the alerts currently raised by the coordinator
func (c *Coordinator) Alerts() map[string]string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	out := make(map[string]string, len(c.activeAlerts))
	for k, v := range c.activeAlerts {
		out[k] = v
	}
	return out
}

func (c *Coordinator) setMode(m Mode) {
	c.stateMu.Lock()
	c.mode = m
	c.stateMu.Unlock()
	if c.metrics != nil && m != ModeTransitioning {
		c.metrics.SetMode(string(m))
	}
}

func (c *Coordinator) raise(ctx context.Context, kind, detail string) {
	c.stateMu.Lock()
	c.activeAlerts[kind] = detail
	c.stateMu.Unlock()
	if c.alerts != nil {
		if err := c.alerts.SetAlert(ctx, kind, detail); err != nil {
			c.log.Warn("failed to persist alert", logger.String("alert", kind), logger.Error(err))
		}
	}
}

func (c *Coordinator) clear(ctx context.Context, kind string) {
	c.stateMu.Lock()
	_, had := c.activeAlerts[kind]
	delete(c.activeAlerts, kind)
	c.stateMu.Unlock()
	if c.alerts != nil && had {
		if err := c.alerts.ClearAlert(ctx, kind); err != nil {
			c.log.Warn("failed to clear alert", logger.String("alert", kind), logger.Error(err))
		}
	}
}

// acquire takes the switch lock according to the busy policy
func (c *Coordinator) acquire(ctx context.Context) error {
	select {
	case c.lock <- struct{}{}:
		return nil
	default:
	}

	if c.policy == BusyReject {
		c.stateMu.Lock()
		c.rejected = true
		c.stateMu.Unlock()
		c.raise(ctx, AlertBusy, "mode switch rejected while another switch was running")
		if c.metrics != nil {
			c.metrics.RecordBusyRejection()
		}
		return errors.New(ErrBusy).
			Component("drive").
			Category(errors.CategoryBusy).
			Build()
	}

	select {
	case c.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.New(fmt.Errorf("waiting for drive lock: %w", ctx.Err())).
			Component("drive").
			Category(errors.CategoryBusy).
			Build()
	}
}

func (c *Coordinator) release(ctx context.Context) {
	c.stateMu.Lock()
	rejected := c.rejected
	c.rejected = false
	c.stateMu.Unlock()
	if rejected {
		c.clear(ctx, AlertBusy)
	}
	<-c.lock
}

// Switch moves the image to target. Switching to the current mode is a
// no-op. On failure after all retries the coordinator stays in the previous
// mode, logs a failed transition and raises the transition_failure alert.
func (c *Coordinator) Switch(ctx context.Context, target Mode) (Transition, error) {
	if target != ModeStorage && target != ModeServer {
		_, err := ParseMode(string(target))
		return Transition{}, err
	}

	if c.switchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.switchTimeout)
		defer cancel()
	}

	if err := c.acquire(ctx); err != nil {
		return Transition{Target: target}, err
	}
	// Bookkeeping must outlive a cancelled request.
	defer c.release(context.WithoutCancel(ctx))

	from := c.Mode()
	if from == ModeUnknown {
		recovered, err := c.recoverLocked(ctx)
		if err != nil {
			return Transition{Target: target}, err
		}
		from = recovered
	}
	if from == target {
		return Transition{From: from, Target: target, Outcome: OutcomeSuccess, Timestamp: time.Now()}, nil
	}

	return c.switchLocked(ctx, from, target)
}

func (c *Coordinator) switchLocked(ctx context.Context, from, target Mode) (Transition, error) {
	start := time.Now()
	bg := context.WithoutCancel(ctx)
	log := c.log.With(logger.String("from", string(from)), logger.String("to", string(target)))

	c.setMode(ModeTransitioning)
	if _, err := c.journal.AppendTransition(bg, Transition{From: from, Target: target, Outcome: OutcomeStarted, Timestamp: start}); err != nil {
		log.Warn("failed to record transition start", logger.Error(err))
	}

	var lastErr, rollbackErr error
	attempts := 0
	if from == ModeServer {
		lastErr = c.quiesce(ctx)
	}

	if lastErr == nil {
		for {
			attempts++
			lastErr = c.apply(ctx, target)
			if lastErr == nil {
				break
			}
			log.Warn("mode switch attempt failed",
				logger.Int("attempt", attempts),
				logger.Error(lastErr))
			rollbackErr = c.rollback(bg, from)
			if rollbackErr != nil {
				log.Error("rollback failed", logger.Int("attempt", attempts), logger.Error(rollbackErr))
			}

			if attempts > c.retry.MaxRetries || ctx.Err() != nil {
				break
			}
			if err := c.sleep(ctx, c.retry.Delay(attempts)); err != nil {
				lastErr = errors.Join(lastErr, err)
				break
			}
		}
	}

	elapsed := time.Since(start)
	t := Transition{From: from, Target: target, Attempts: attempts, Duration: elapsed, Timestamp: time.Now()}

	if lastErr == nil {
		c.setMode(target)
		t.Outcome = OutcomeSuccess
		if rec, err := c.journal.AppendTransition(bg, t); err != nil {
			log.Warn("failed to record transition", logger.Error(err))
		} else {
			t = rec
		}
		c.clear(bg, AlertTransitionFailure)
		if c.metrics != nil {
			c.metrics.RecordSwitch(string(target), string(OutcomeSuccess), attempts, elapsed)
		}
		log.Info("drive mode switched", logger.Int("attempts", attempts), logger.Duration("elapsed", elapsed))
		return t, nil
	}

	current := from
	detail := fmt.Sprintf("switch %s -> %s failed after %d attempts: %v", from, target, attempts, lastErr)
	if rollbackErr != nil {
		// the image may be detached or half attached, trust only the OS
		current = c.observedMode(bg)
		detail += fmt.Sprintf("; rollback to %s failed: %v; drive is %s", from, rollbackErr, current)
	}
	c.setMode(current)
	t.Outcome = OutcomeFailed
	t.Reason = lastErr.Error()
	if rec, err := c.journal.AppendTransition(bg, t); err != nil {
		log.Warn("failed to record transition", logger.Error(err))
	} else {
		t = rec
	}
	c.raise(bg, AlertTransitionFailure, detail)
	if c.metrics != nil {
		c.metrics.RecordSwitch(string(target), string(OutcomeFailed), attempts, elapsed)
	}
	log.Error("drive mode switch failed",
		logger.Int("attempts", attempts),
		logger.String("mode", string(current)),
		logger.Error(lastErr))

	return t, errors.New(lastErr).
		Component("drive").
		Category(errors.CategoryDriveMode).
		Context("operation", "switch_"+string(target)).
		Context("attempts", attempts).
		Build()
}

// quiesce waits for readers of the mount to finish, cancelling them once the
// timeout passes.
func (c *Coordinator) quiesce(ctx context.Context) error {
	if c.quiescer == nil {
		return nil
	}
	wait := func() error {
		wctx := ctx
		if c.quiescenceTimeout > 0 {
			var cancel context.CancelFunc
			wctx, cancel = context.WithTimeout(ctx, c.quiescenceTimeout)
			defer cancel()
		}
		return c.quiescer.WaitQuiescent(wctx)
	}

	if err := wait(); err == nil {
		return nil
	} else if ctx.Err() != nil {
		return err
	}

	c.log.Warn("transfers still running after quiescence timeout, cancelling",
		logger.Duration("timeout", c.quiescenceTimeout))
	c.quiescer.CancelInFlight()

	if err := wait(); err != nil {
		return errors.New(fmt.Errorf("transfers did not stop after cancellation: %w", err)).
			Component("drive").
			Category(errors.CategoryTimeout).
			Context("operation", "quiesce").
			Build()
	}
	return nil
}

// apply performs one attempt. Resources of the old mode are always released
// before the new mode's are taken.
func (c *Coordinator) apply(ctx context.Context, target Mode) error {
	switch target {
	case ModeServer:
		if err := c.gadget.Unbind(ctx); err != nil {
			return stepError(err, errors.CategoryGadget, "unbind_gadget")
		}
		if st, err := c.gadget.Status(ctx); err != nil || st != GadgetUnbound {
			return stepError(confirmErr(err, "gadget still bound"), errors.CategoryGadget, "confirm_unbound")
		}
		if err := c.mounter.Mount(ctx, c.image.Path, c.mountpoint); err != nil {
			return stepError(err, errors.CategoryMount, "mount")
		}
		if ok, err := c.mounter.IsMounted(ctx, c.mountpoint); err != nil || !ok {
			return stepError(confirmErr(err, "image not mounted"), errors.CategoryMount, "confirm_mounted")
		}
	case ModeStorage:
		if err := c.mounter.Unmount(ctx, c.mountpoint); err != nil {
			return stepError(err, errors.CategoryMount, "unmount")
		}
		if ok, err := c.mounter.IsMounted(ctx, c.mountpoint); err != nil || ok {
			return stepError(confirmErr(err, "image still mounted"), errors.CategoryMount, "confirm_unmounted")
		}
		if err := c.image.Validate(); err != nil {
			return err
		}
		if err := c.gadget.Bind(ctx, c.image.Path); err != nil {
			return stepError(err, errors.CategoryGadget, "bind_gadget")
		}
		if st, err := c.gadget.Status(ctx); err != nil || st != GadgetBound {
			return stepError(confirmErr(err, "gadget not bound"), errors.CategoryGadget, "confirm_bound")
		}
	}
	return nil
}

// rollback restores the resources of mode, tearing down the other side first
func (c *Coordinator) rollback(ctx context.Context, mode Mode) error {
	switch mode {
	case ModeStorage:
		if ok, _ := c.mounter.IsMounted(ctx, c.mountpoint); ok {
			if err := c.mounter.Unmount(ctx, c.mountpoint); err != nil {
				return stepError(err, errors.CategoryMount, "rollback_unmount")
			}
		}
		if st, _ := c.gadget.Status(ctx); st != GadgetBound {
			if err := c.gadget.Bind(ctx, c.image.Path); err != nil {
				return stepError(err, errors.CategoryGadget, "rollback_bind")
			}
		}
	case ModeServer:
		if st, _ := c.gadget.Status(ctx); st == GadgetBound {
			if err := c.gadget.Unbind(ctx); err != nil {
				return stepError(err, errors.CategoryGadget, "rollback_unbind")
			}
		}
		if ok, _ := c.mounter.IsMounted(ctx, c.mountpoint); !ok {
			if err := c.mounter.Mount(ctx, c.image.Path, c.mountpoint); err != nil {
				return stepError(err, errors.CategoryMount, "rollback_mount")
			}
		}
	}
	return nil
}

// observedMode reads the mode from OS evidence. Anything other than exactly
// one active side is ModeUnknown, which makes the next Switch recover first.
func (c *Coordinator) observedMode(ctx context.Context) Mode {
	st, gerr := c.gadget.Status(ctx)
	mounted, merr := c.mounter.IsMounted(ctx, c.mountpoint)
	if gerr != nil || merr != nil {
		return ModeUnknown
	}
	bound := st == GadgetBound
	switch {
	case bound && !mounted:
		return ModeStorage
	case mounted && !bound:
		return ModeServer
	default:
		return ModeUnknown
	}
}

func stepError(err error, cat errors.ErrorCategory, op string) error {
	return errors.New(err).
		Component("drive").
		Category(cat).
		Context("operation", op).
		Build()
}

func confirmErr(err error, msg string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return errors.NewStd(msg)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
