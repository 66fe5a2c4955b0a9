package drive

import (
	"context"
	"sync"
	"time"
)

// FakeHost simulates the gadget and the mount on one host and records any
// moment where both were active. Used by tests and by --dry-run.
type FakeHost struct {
	mu        sync.Mutex
	bound     bool
	mounted   bool
	violation bool
	delay     time.Duration

	// Failure injection: number of upcoming calls that fail
	FailBind    int
	FailUnbind  int
	FailMount   int
	FailUnmount int

	Binds  int
	Mounts int
}

// NewFakeHost creates a host in the given state
func NewFakeHost(bound, mounted bool) *FakeHost {
	return &FakeHost{bound: bound, mounted: mounted, violation: bound && mounted}
}

// SetDelay makes every operation take d
func (f *FakeHost) SetDelay(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

// Violated reports whether gadget and mount were ever active together
func (f *FakeHost) Violated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.violation
}

// State returns the current evidence
func (f *FakeHost) State() (bound, mounted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bound, f.mounted
}

func (f *FakeHost) step(ctx context.Context, fail *int, apply func()) error {
	f.mu.Lock()
	d := f.delay
	f.mu.Unlock()
	if d > 0 {
		if err := sleepCtx(ctx, d); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if *fail > 0 {
		*fail--
		return errInjected
	}
	apply()
	if f.bound && f.mounted {
		f.violation = true
	}
	return nil
}

var errInjected = errFake("injected failure")

type errFake string

func (e errFake) Error() string { return string(e) }

// Gadget returns the gadget side of the host
func (f *FakeHost) Gadget() Gadget { return fakeGadget{f} }

// Mounter returns the mount side of the host
func (f *FakeHost) Mounter() Mounter { return fakeMounter{f} }

type fakeGadget struct{ h *FakeHost }

func (g fakeGadget) Bind(ctx context.Context, _ string) error {
	return g.h.step(ctx, &g.h.FailBind, func() { g.h.bound = true; g.h.Binds++ })
}

func (g fakeGadget) Unbind(ctx context.Context) error {
	return g.h.step(ctx, &g.h.FailUnbind, func() { g.h.bound = false })
}

func (g fakeGadget) Status(_ context.Context) (GadgetState, error) {
	g.h.mu.Lock()
	defer g.h.mu.Unlock()
	if g.h.bound {
		return GadgetBound, nil
	}
	return GadgetUnbound, nil
}

type fakeMounter struct{ h *FakeHost }

func (m fakeMounter) Mount(ctx context.Context, _, _ string) error {
	return m.h.step(ctx, &m.h.FailMount, func() { m.h.mounted = true; m.h.Mounts++ })
}

func (m fakeMounter) Unmount(ctx context.Context, _ string) error {
	return m.h.step(ctx, &m.h.FailUnmount, func() { m.h.mounted = false })
}

func (m fakeMounter) IsMounted(_ context.Context, _ string) (bool, error) {
	m.h.mu.Lock()
	defer m.h.mu.Unlock()
	return m.h.mounted, nil
}
