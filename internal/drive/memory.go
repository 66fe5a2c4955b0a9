package drive

import (
	"context"
	"sync"
	"time"
)

// MemoryLog is an in-memory TransitionLog and AlertSink
type MemoryLog struct {
	mu          sync.Mutex
	transitions []Transition
	alerts      map[string]string
}

// NewMemoryLog creates an empty in-memory log
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{alerts: make(map[string]string)}
}

// AppendTransition implements TransitionLog
func (m *MemoryLog) AppendTransition(_ context.Context, t Transition) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	t.ID = uint(len(m.transitions) + 1)
	m.transitions = append(m.transitions, t)
	return t, nil
}

// RecentTransitions implements TransitionLog
func (m *MemoryLog) RecentTransitions(_ context.Context, n int) ([]Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.transitions) {
		n = len(m.transitions)
	}
	out := make([]Transition, 0, n)
	for i := len(m.transitions) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.transitions[i])
	}
	return out, nil
}

// SetAlert implements AlertSink
func (m *MemoryLog) SetAlert(_ context.Context, kind, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[kind] = detail
	return nil
}

// ClearAlert implements AlertSink
func (m *MemoryLog) ClearAlert(_ context.Context, kind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.alerts, kind)
	return nil
}

// ActiveAlerts returns a copy of the raised alerts
func (m *MemoryLog) ActiveAlerts() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.alerts))
	for k, v := range m.alerts {
		out[k] = v
	}
	return out
}
