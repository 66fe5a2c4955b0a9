// Package drive arbitrates exclusive access to the FAT32 backing image between
// the USB mass-storage gadget (storage mode) and a local mount (server mode).
package drive

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/blinksync/syncbrain/internal/errors"
	"github.com/blinksync/syncbrain/internal/logger"
)

// Mode of the backing image
type Mode string

const (
	ModeStorage       Mode = "storage"       // exposed to the sync module over USB
	ModeServer        Mode = "server"        // mounted locally
	ModeTransitioning Mode = "transitioning" // only observable while a switch holds the lock
	ModeUnknown       Mode = "unknown"       // before Recover
)

// ParseMode accepts the two switchable targets
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeStorage, ModeServer:
		return Mode(s), nil
	}
	return "", errors.Newf("invalid mode %q, want storage or server", s).
		Component("drive").
		Category(errors.CategoryValidation).
		Build()
}

// Outcome of a recorded transition
type Outcome string

const (
	OutcomeStarted   Outcome = "started" // written before any resource is touched
	OutcomeSuccess   Outcome = "success"
	OutcomeFailed    Outcome = "failed"
	OutcomeRecovered Outcome = "recovered"
)

// ReasonRecoveredFromInconsistentState marks a forced teardown at startup
const ReasonRecoveredFromInconsistentState = "RecoveredFromInconsistentState"

// Alert kinds raised by the coordinator
const (
	AlertBusy              = "busy"
	AlertTransitionFailure = "transition_failure"
)

// Transition is one entry of the append-only mode transition log
type Transition struct {
	ID        uint
	From      Mode
	Target    Mode
	Outcome   Outcome
	Reason    string
	Attempts  int
	Duration  time.Duration
	Timestamp time.Time
}

// Completed reports whether the entry closes a switch
func (t Transition) Completed() bool {
	return t.Outcome != OutcomeStarted
}

// StorageImage is the FAT32 file shared between the gadget and the mount
type StorageImage struct {
	Path     string
	Capacity int64 // bytes, 0 skips the size check
}

// Validate checks the backing file exists, is regular and matches the
// declared capacity.
func (s StorageImage) Validate() error {
	fi, err := os.Stat(s.Path)
	if err != nil {
		return errors.New(fmt.Errorf("backing image: %w", err)).
			Component("drive").
			Category(errors.CategoryFileIO).
			Context("operation", "validate_image").
			Build()
	}
	if !fi.Mode().IsRegular() {
		return errors.Newf("backing image %s is not a regular file", s.Path).
			Component("drive").
			Category(errors.CategoryValidation).
			Build()
	}
	if s.Capacity > 0 && fi.Size() != s.Capacity {
		return errors.Newf("backing image size %d does not match capacity %d", fi.Size(), s.Capacity).
			Component("drive").
			Category(errors.CategoryValidation).
			Context("operation", "validate_image").
			Build()
	}
	return nil
}

// GadgetState is what the OS reports about the mass-storage function
type GadgetState int

const (
	GadgetUnbound GadgetState = iota
	GadgetBound
)

func (s GadgetState) String() string {
	if s == GadgetBound {
		return "bound"
	}
	return "unbound"
}

// Gadget controls the USB mass-storage function
type Gadget interface {
	Bind(ctx context.Context, imagePath string) error
	Unbind(ctx context.Context) error
	Status(ctx context.Context) (GadgetState, error)
}

// Mounter controls the local filesystem mount of the image
type Mounter interface {
	Mount(ctx context.Context, imagePath, mountpoint string) error
	Unmount(ctx context.Context, mountpoint string) error
	IsMounted(ctx context.Context, mountpoint string) (bool, error)
}

// Quiescer is implemented by whatever reads from the mount. The coordinator
// waits for it before leaving server mode.
type Quiescer interface {
	WaitQuiescent(ctx context.Context) error
	CancelInFlight()
}

// TransitionLog persists transitions
type TransitionLog interface {
	AppendTransition(ctx context.Context, t Transition) (Transition, error)
	RecentTransitions(ctx context.Context, n int) ([]Transition, error)
}

// AlertSink persists alerts for the status query
type AlertSink interface {
	SetAlert(ctx context.Context, kind, detail string) error
	ClearAlert(ctx context.Context, kind string) error
}

// GetLogger returns the drive module logger
func GetLogger() logger.Logger {
	return logger.Global().Module("drive")
}
