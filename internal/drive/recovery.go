package drive

import (
	"context"
	"fmt"
	"time"

	"github.com/blinksync/syncbrain/internal/errors"
	"github.com/blinksync/syncbrain/internal/logger"
)

// Recover determines the mode from OS evidence after a start or crash.
// Exactly one of {gadget bound, image mounted} is adopted as is. Neither or
// both forces a teardown and a bind into storage mode, logged as a recovered
// transition.
func (c *Coordinator) Recover(ctx context.Context) (Mode, error) {
	select {
	case c.lock <- struct{}{}:
	case <-ctx.Done():
		return c.Mode(), ctx.Err()
	}
	defer func() { <-c.lock }()

	return c.recoverLocked(ctx)
}

func (c *Coordinator) recoverLocked(ctx context.Context) (Mode, error) {
	bg := context.WithoutCancel(ctx)

	interrupted := ""
	if last, err := c.journal.RecentTransitions(ctx, 1); err != nil {
		c.log.Warn("could not read transition log during recovery", logger.Error(err))
	} else if len(last) == 1 && !last[0].Completed() {
		interrupted = fmt.Sprintf("interrupted switch %s -> %s at %s",
			last[0].From, last[0].Target, last[0].Timestamp.Format(time.RFC3339))
		c.log.Warn("last mode switch never completed", logger.String("detail", interrupted))
	}

	state, gerr := c.gadget.Status(ctx)
	mounted, merr := c.mounter.IsMounted(ctx, c.mountpoint)
	bound := gerr == nil && state == GadgetBound
	if gerr != nil || merr != nil {
		c.log.Warn("incomplete evidence during recovery",
			logger.Any("gadget_error", gerr),
			logger.Any("mount_error", merr))
	}

	evidenceOK := gerr == nil && merr == nil
	if evidenceOK && bound != mounted {
		mode := ModeStorage
		if mounted {
			mode = ModeServer
		}
		c.setMode(mode)
		if interrupted != "" {
			c.appendRecovered(bg, mode, mode, "adopted "+string(mode)+" after "+interrupted)
		}
		c.log.Info("recovered drive mode from OS state", logger.String("mode", string(mode)))
		return mode, nil
	}

	c.log.Warn("inconsistent drive state, forcing storage mode",
		logger.Bool("gadget_bound", bound),
		logger.Bool("mounted", mounted))

	start := time.Now()
	attempts := 0
	var lastErr error
	for {
		attempts++
		lastErr = c.forceStorage(ctx)
		if lastErr == nil {
			break
		}
		c.log.Warn("forced storage attempt failed",
			logger.Int("attempt", attempts),
			logger.Error(lastErr))
		if attempts > c.retry.MaxRetries || ctx.Err() != nil {
			break
		}
		if err := c.sleep(ctx, c.retry.Delay(attempts)); err != nil {
			lastErr = errors.Join(lastErr, err)
			break
		}
	}
	if lastErr != nil {
		return c.failRecovery(bg, lastErr, attempts)
	}

	c.setMode(ModeStorage)
	reason := ReasonRecoveredFromInconsistentState
	if interrupted != "" {
		reason += ": " + interrupted
	}
	c.appendRecoveredTimed(bg, ModeUnknown, ModeStorage, reason, attempts, time.Since(start))
	c.clear(bg, AlertTransitionFailure)
	return ModeStorage, nil
}

// forceStorage tears both sides down and binds the gadget
func (c *Coordinator) forceStorage(ctx context.Context) error {
	if err := c.mounter.Unmount(ctx, c.mountpoint); err != nil {
		c.log.Debug("teardown unmount", logger.Error(err))
	}
	if err := c.gadget.Unbind(ctx); err != nil {
		c.log.Debug("teardown unbind", logger.Error(err))
	}
	if still, err := c.mounter.IsMounted(ctx, c.mountpoint); err != nil || still {
		return stepError(confirmErr(err, "image still mounted after teardown"), errors.CategoryMount, "teardown")
	}
	if err := c.image.Validate(); err != nil {
		return err
	}
	if err := c.gadget.Bind(ctx, c.image.Path); err != nil {
		return stepError(err, errors.CategoryGadget, "bind_gadget")
	}
	if st, err := c.gadget.Status(ctx); err != nil || st != GadgetBound {
		return stepError(confirmErr(err, "gadget not bound after recovery"), errors.CategoryGadget, "confirm_bound")
	}
	return nil
}

func (c *Coordinator) appendRecovered(ctx context.Context, from, target Mode, reason string) {
	c.appendRecoveredTimed(ctx, from, target, reason, 1, 0)
}

func (c *Coordinator) appendRecoveredTimed(ctx context.Context, from, target Mode, reason string, attempts int, d time.Duration) {
	_, err := c.journal.AppendTransition(ctx, Transition{
		From:      from,
		Target:    target,
		Outcome:   OutcomeRecovered,
		Reason:    reason,
		Attempts:  attempts,
		Duration:  d,
		Timestamp: time.Now(),
	})
	if err != nil {
		c.log.Warn("failed to record recovery", logger.Error(err))
	}
	if c.metrics != nil {
		c.metrics.RecordSwitch(string(target), string(OutcomeRecovered), attempts, d)
	}
}

// failRecovery leaves the image detached; neither side owns it. The next
// Switch runs recovery again.
func (c *Coordinator) failRecovery(ctx context.Context, cause error, attempts int) (Mode, error) {
	c.setMode(ModeUnknown)
	err := errors.New(cause).
		Component("drive").
		Category(errors.CategoryRecovery).
		Context("operation", "recover").
		Context("attempts", attempts).
		Build()
	_, _ = c.journal.AppendTransition(ctx, Transition{
		From: ModeUnknown, Target: ModeStorage, Outcome: OutcomeFailed, Reason: err.Error(), Attempts: attempts, Timestamp: time.Now(),
	})
	c.raise(ctx, AlertTransitionFailure, fmt.Sprintf("recovery failed after %d attempts: %v", attempts, err))
	c.log.Error("drive recovery failed", logger.Int("attempts", attempts), logger.Error(err))
	return ModeUnknown, err
}
