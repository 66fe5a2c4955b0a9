package catalog

import (
	"context"
	"sync"
)

// lockTable hands out one mutex per clip ID. Entries are dropped when the
// last holder or waiter releases them.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	ch   chan struct{} // capacity 1, full while held
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

func (t *lockTable) acquire(id string) *lockEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		t.entries[id] = e
	}
	e.refs++
	return e
}

func (t *lockTable) release(id string, e *lockEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(t.entries, id)
	}
}

func (t *lockTable) unlocker(id string, e *lockEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			t.release(id, e)
		})
	}
}

func (t *lockTable) lock(ctx context.Context, id string) (func(), error) {
	e := t.acquire(id)
	select {
	case e.ch <- struct{}{}:
		return t.unlocker(id, e), nil
	case <-ctx.Done():
		t.release(id, e)
		return nil, ctx.Err()
	}
}

func (t *lockTable) tryLock(id string) (func(), bool) {
	e := t.acquire(id)
	select {
	case e.ch <- struct{}{}:
		return t.unlocker(id, e), true
	default:
		t.release(id, e)
		return nil, false
	}
}
