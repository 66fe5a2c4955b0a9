// Package status assembles the status snapshot served by the API, the CLI and
// the MQTT publisher. Every source is optional so storage-only and
// processing-only nodes report what they have.
package status

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/blinksync/syncbrain/internal/buildinfo"
	"github.com/blinksync/syncbrain/internal/catalog"
	"github.com/blinksync/syncbrain/internal/drive"
	"github.com/blinksync/syncbrain/internal/logger"
	"github.com/blinksync/syncbrain/internal/processor"
	"github.com/blinksync/syncbrain/internal/retention"
)

// DefaultTransitionHistory is used when no history length is configured
const DefaultTransitionHistory = 20

// ModeSource is the coordinator view used by the snapshot
type ModeSource interface {
	Mode() drive.Mode
	Transitions(ctx context.Context, n int) ([]drive.Transition, error)
	Alerts() map[string]string
}

// Catalog is the catalog view used by the snapshot
type Catalog interface {
	CountByStatus(ctx context.Context) (catalog.StatusCounts, error)
	ActiveAlerts(ctx context.Context) ([]catalog.AlertState, error)
}

// QueueSource reports processor queue statistics
type QueueSource interface {
	Stats() processor.Stats
}

// StorageSource reports local clip storage
type StorageSource interface {
	Usage(ctx context.Context) (retention.Usage, error)
	Stats(ctx context.Context) (retention.StorageStats, error)
	LastReport() *retention.Report
}

// Transition is the JSON form of a logged mode transition
type Transition struct {
	From      string    `json:"from"`
	Target    string    `json:"target"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	Attempts  int       `json:"attempts"`
	Duration  string    `json:"duration"`
	Timestamp time.Time `json:"timestamp"`
}

// Alert is one active alert
type Alert struct {
	Kind   string     `json:"kind"`
	Detail string     `json:"detail,omitempty"`
	Since  *time.Time `json:"since,omitempty"`
}

// HostInfo describes the machine the node runs on
type HostInfo struct {
	Hostname      string  `json:"hostname"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
	AppUptime     string  `json:"app_uptime"`
	MemoryTotal   uint64  `json:"memory_total"`
	MemoryUsedPct float64 `json:"memory_used_percent"`
}

// Snapshot is the answer to the status query
type Snapshot struct {
	Node          string                  `json:"node"`
	Role          string                  `json:"role"`
	Version       string                  `json:"version"`
	Mode          string                  `json:"mode,omitempty"`
	Transitions   []Transition            `json:"transitions,omitempty"`
	Counts        *catalog.StatusCounts   `json:"counts,omitempty"`
	UsageFraction *float64                `json:"usage_fraction,omitempty"`
	Storage       *retention.StorageStats `json:"storage,omitempty"`
	LastReconcile *retention.Report       `json:"last_reconcile,omitempty"`
	Alerts        []Alert                 `json:"alerts"`
	Queue         *processor.Stats        `json:"queue,omitempty"`
	Host          HostInfo                `json:"host"`
	Errors        []string                `json:"errors,omitempty"` // sources that could not be read
	At            time.Time               `json:"at"`
}

// HasAlert reports whether kind is active
func (s *Snapshot) HasAlert(kind string) bool {
	for _, a := range s.Alerts {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

// Service builds snapshots
type Service struct {
	node    string
	role    string
	history int
	build   *buildinfo.Context
	started time.Time

	mode    ModeSource
	store   Catalog
	queue   QueueSource
	storage StorageSource

	hostInfo func(ctx context.Context) HostInfo
	log      logger.Logger
}

// Option configures a Service
type Option func(*Service)

// WithModeSource adds the drive coordinator
func WithModeSource(m ModeSource) Option {
	return func(s *Service) { s.mode = m }
}

// WithCatalog adds the catalog
func WithCatalog(c Catalog) Option {
	return func(s *Service) { s.store = c }
}

// WithQueue adds the processor
func WithQueue(q QueueSource) Option {
	return func(s *Service) { s.queue = q }
}

// WithStorage adds the retention manager
func WithStorage(st StorageSource) Option {
	return func(s *Service) { s.storage = st }
}

// WithHistory sets how many transitions a snapshot carries
func WithHistory(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.history = n
		}
	}
}

// withHostInfo replaces the gopsutil lookup in tests
func withHostInfo(fn func(ctx context.Context) HostInfo) Option {
	return func(s *Service) { s.hostInfo = fn }
}

// GetLogger returns the status module logger
func GetLogger() logger.Logger {
	return logger.Global().Module("status")
}

// NewService creates a status service for node running in role
func NewService(node, role string, build *buildinfo.Context, opts ...Option) *Service {
	s := &Service{
		node:    node,
		role:    role,
		history: DefaultTransitionHistory,
		build:   build,
		started: time.Now(),
		log:     GetLogger(),
	}
	s.hostInfo = s.readHost
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot reads every configured source. A failing source is reported in
// Errors and does not fail the snapshot.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Node:   s.node,
		Role:   s.role,
		Alerts: []Alert{},
		At:     time.Now().UTC(),
	}
	if s.build != nil {
		snap.Version = s.build.GetVersion()
	}

	alerts := make(map[string]Alert)

	if s.mode != nil {
		snap.Mode = string(s.mode.Mode())
		transitions, err := s.mode.Transitions(ctx, s.history)
		if err != nil {
			s.sourceFailed(snap, "transitions", err)
		}
		for _, t := range transitions {
			snap.Transitions = append(snap.Transitions, Transition{
				From:      string(t.From),
				Target:    string(t.Target),
				Outcome:   string(t.Outcome),
				Reason:    t.Reason,
				Attempts:  t.Attempts,
				Duration:  t.Duration.String(),
				Timestamp: t.Timestamp,
			})
		}
		for kind, detail := range s.mode.Alerts() {
			alerts[kind] = Alert{Kind: kind, Detail: detail}
		}
	}

	if s.store != nil {
		counts, err := s.store.CountByStatus(ctx)
		if err != nil {
			s.sourceFailed(snap, "counts", err)
		} else {
			snap.Counts = &counts
		}
		active, err := s.store.ActiveAlerts(ctx)
		if err != nil {
			s.sourceFailed(snap, "alerts", err)
		}
		for _, a := range active {
			since := a.RaisedAt
			alerts[a.Kind] = Alert{Kind: a.Kind, Detail: a.Detail, Since: &since}
		}
	}

	if s.queue != nil {
		stats := s.queue.Stats()
		snap.Queue = &stats
	}

	if s.storage != nil {
		usage, err := s.storage.Usage(ctx)
		if err != nil {
			s.sourceFailed(snap, "usage", err)
		} else {
			f := usage.Fraction()
			snap.UsageFraction = &f
		}
		stats, err := s.storage.Stats(ctx)
		if err != nil {
			s.sourceFailed(snap, "storage", err)
		} else {
			snap.Storage = &stats
		}
		snap.LastReconcile = s.storage.LastReport()
	}

	for _, a := range alerts {
		snap.Alerts = append(snap.Alerts, a)
	}
	sort.Slice(snap.Alerts, func(i, j int) bool { return snap.Alerts[i].Kind < snap.Alerts[j].Kind })

	snap.Host = s.hostInfo(ctx)
	return snap, nil
}

func (s *Service) sourceFailed(snap *Snapshot, source string, err error) {
	s.log.Warn("status source unavailable", logger.String("source", source), logger.Error(err))
	snap.Errors = append(snap.Errors, source+": "+err.Error())
}

// readHost reads uptime and memory from the OS. Errors leave fields zero.
func (s *Service) readHost(ctx context.Context) HostInfo {
	info := HostInfo{AppUptime: time.Since(s.started).Round(time.Second).String()}
	if name, err := os.Hostname(); err == nil {
		info.Hostname = name
	}
	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		info.UptimeSeconds = uptime
	} else {
		s.log.Debug("host uptime unavailable", logger.Error(err))
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryTotal = vm.Total
		info.MemoryUsedPct = vm.UsedPercent
	} else {
		s.log.Debug("memory info unavailable", logger.Error(err))
	}
	return info
}
