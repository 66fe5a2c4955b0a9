// Package retention deletes processed clips by age and by disk usage. Clips
// still waiting for transfer or processing are never deleted.
package retention

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/blinksync/syncbrain/internal/catalog"
	"github.com/blinksync/syncbrain/internal/conf"
	"github.com/blinksync/syncbrain/internal/errors"
	"github.com/blinksync/syncbrain/internal/logger"
)

// Reasons a clip was selected
const (
	ReasonAge   = "age"
	ReasonUsage = "usage"
)

// Catalog is the part of the catalog retention uses
type Catalog interface {
	ListClips(ctx context.Context, f catalog.ClipFilter) ([]catalog.Clip, error)
	GetClip(ctx context.Context, id string) (*catalog.Clip, error)
	TryLock(clipID string) (func(), bool)
	DeleteClip(ctx context.Context, id string) error
	SetAlert(ctx context.Context, kind, detail string) error
	ClearAlert(ctx context.Context, kind string) error
}

// Metrics receives reconcile outcomes. Implemented by the observability package.
type Metrics interface {
	RecordReconcile(deleted int, freed int64, d time.Duration)
	SetStorageUsage(fraction float64)
	SetStorageCritical(active bool)
}

// Deletion is one clip removed, or selected in dry run
type Deletion struct {
	ClipID string `json:"clip_id"`
	Reason string `json:"reason"`
	Size   int64  `json:"size"`
}

// Report describes one reconcile run
type Report struct {
	Deleted     []Deletion    `json:"deleted"`
	Freed       int64         `json:"freed_bytes"`
	UsageBefore float64       `json:"usage_before"`
	UsageAfter  float64       `json:"usage_after"`
	Critical    bool          `json:"storage_critical"`
	DryRun      bool          `json:"dry_run"`
	Skipped     int           `json:"skipped_locked"`
	Duration    time.Duration `json:"duration"`
	At          time.Time     `json:"at"`
}

// IDs returns the identifiers of the deleted clips
func (r *Report) IDs() []string {
	ids := make([]string, len(r.Deleted))
	for i, d := range r.Deleted {
		ids[i] = d.ClipID
	}
	return ids
}

// Manager applies the retention policy to the local clip directory
type Manager struct {
	store    Catalog
	usage    UsageProvider
	localDir string
	maxAge   time.Duration // 0 disables the age policy
	maxUsage float64       // percent, 0 disables the usage policy
	minClips int
	dryRun   bool
	metrics  Metrics
	now      func() time.Time

	run  sync.Mutex // one reconcile at a time
	mu   sync.Mutex
	last *Report

	log logger.Logger
}

// Option configures a Manager
type Option func(*Manager)

// WithUsageProvider replaces the OS usage provider
func WithUsageProvider(p UsageProvider) Option {
	return func(m *Manager) { m.usage = p }
}

// WithMetrics sets the metrics recorder
func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// withClock replaces time.Now in tests
func withClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// GetLogger returns the retention module logger
func GetLogger() logger.Logger {
	return logger.Global().Module("retention")
}

// NewManager creates a manager for clips stored under localDir
func NewManager(settings *conf.RetentionSettings, localDir string, store Catalog, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:    store,
		usage:    DiskUsage{},
		localDir: localDir,
		minClips: settings.MinClips,
		dryRun:   settings.DryRun,
		now:      time.Now,
		log:      GetLogger(),
	}
	if settings.MaxAge != "" {
		hours, err := conf.ParseRetentionPeriod(settings.MaxAge)
		if err != nil {
			return nil, configError(err, "maxage")
		}
		m.maxAge = time.Duration(hours) * time.Hour
	}
	if settings.MaxUsage != "" {
		p, err := conf.ParsePercentage(settings.MaxUsage)
		if err != nil {
			return nil, configError(err, "maxusage")
		}
		m.maxUsage = p
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Usage returns the current usage of the clip filesystem
func (m *Manager) Usage(ctx context.Context) (Usage, error) {
	return m.usage.Usage(ctx, m.localDir)
}

// LastReport returns the result of the most recent reconcile, or nil
func (m *Manager) LastReport() *Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// StorageStats summarises the clips kept in the local directory
type StorageStats struct {
	Files    int        `json:"files"`
	Bytes    int64      `json:"bytes"`
	Oldest   *time.Time `json:"oldest,omitempty"`
	Newest   *time.Time `json:"newest,omitempty"`
	Eligible int        `json:"eligible"` // done or error, may be deleted
}

// Stats counts the transferred clips and how many of them retention may delete
func (m *Manager) Stats(ctx context.Context) (StorageStats, error) {
	var stats StorageStats
	clips, err := m.store.ListClips(ctx, catalog.ClipFilter{
		TransferStatus: []catalog.TransferStatus{catalog.TransferTransferred},
	})
	if err != nil {
		return stats, err
	}
	for i := range clips {
		c := &clips[i]
		stats.Files++
		stats.Bytes += c.Size
		if c.ProcessingStatus == catalog.StatusDone || c.ProcessingStatus == catalog.StatusError {
			stats.Eligible++
		}
		at := c.DiscoveredAt
		if stats.Oldest == nil || at.Before(*stats.Oldest) {
			stats.Oldest = &at
		}
		if stats.Newest == nil || at.After(*stats.Newest) {
			stats.Newest = &at
		}
	}
	return stats, nil
}

// Reconcile applies the policy and returns the IDs of deleted clips
func (m *Manager) Reconcile(ctx context.Context) ([]string, error) {
	report, err := m.Run(ctx)
	if report == nil {
		return nil, err
	}
	return report.IDs(), err
}

// Run applies the policy in order: expired clips first, then the oldest
// finished clips while usage is above the limit. When usage stays above the
// limit with nothing left to delete the storage_critical alert is raised.
func (m *Manager) Run(ctx context.Context) (*Report, error) {
	m.run.Lock()
	defer m.run.Unlock()

	start := time.Now()
	report := &Report{DryRun: m.dryRun, At: m.now().UTC()}

	usage, err := m.usage.Usage(ctx, m.localDir)
	if err != nil {
		return nil, err
	}
	report.UsageBefore = usage.Fraction()

	candidates, err := m.store.ListClips(ctx, catalog.ClipFilter{
		TransferStatus:   []catalog.TransferStatus{catalog.TransferTransferred},
		ProcessingStatus: []catalog.ProcessingStatus{catalog.StatusDone, catalog.StatusError},
	})
	if err != nil {
		return nil, err
	}

	remaining := make([]catalog.Clip, 0, len(candidates))
	if m.maxAge > 0 {
		cutoff := report.At.Add(-m.maxAge)
		for i := range candidates {
			if err := ctx.Err(); err != nil {
				return m.finish(report, start), err
			}
			c := &candidates[i]
			if !c.DiscoveredAt.Before(cutoff) {
				remaining = append(remaining, *c)
				continue
			}
			deleted, err := m.delete(ctx, c.ID, ReasonAge, report)
			if err != nil {
				return m.finish(report, start), err
			}
			if !deleted {
				remaining = append(remaining, *c)
			}
		}
	} else {
		remaining = candidates
	}

	usage, err = m.currentUsage(ctx, usage, report)
	if err != nil {
		return m.finish(report, start), err
	}

	if m.maxUsage > 0 {
		for i := range remaining {
			if usage.Percent <= m.maxUsage {
				break
			}
			if len(remaining)-i <= m.minClips {
				m.log.Info("keeping minimum number of clips",
					logger.Int("min_clips", m.minClips),
					logger.Float64("usage_percent", usage.Percent))
				break
			}
			if err := ctx.Err(); err != nil {
				return m.finish(report, start), err
			}
			if _, err := m.delete(ctx, remaining[i].ID, ReasonUsage, report); err != nil {
				return m.finish(report, start), err
			}
			if usage, err = m.currentUsage(ctx, usage, report); err != nil {
				return m.finish(report, start), err
			}
		}
		report.Critical = usage.Percent > m.maxUsage
	}
	report.UsageAfter = usage.Fraction()

	if err := m.updateAlert(ctx, report, usage); err != nil {
		return m.finish(report, start), err
	}
	return m.finish(report, start), nil
}

// currentUsage rereads usage, or estimates it from freed bytes in dry run
func (m *Manager) currentUsage(ctx context.Context, before Usage, report *Report) (Usage, error) {
	if !m.dryRun {
		return m.usage.Usage(ctx, m.localDir)
	}
	u := before
	freed := uint64(max(0, report.Freed)) //nolint:gosec // non-negative
	if freed > u.Used {
		freed = u.Used
	}
	u.Used -= freed
	u.Free += freed
	if u.Total > 0 {
		u.Percent = float64(u.Used) / float64(u.Total) * 100
	}
	return u, nil
}

// delete removes one clip if it is not locked and still finished. It
// reports false when the clip was skipped.
func (m *Manager) delete(ctx context.Context, clipID, reason string, report *Report) (bool, error) {
	unlock, ok := m.store.TryLock(clipID)
	if !ok {
		report.Skipped++
		m.log.Debug("clip locked, skipping", logger.String("clip_id", clipID))
		return false, nil
	}
	defer unlock()

	// state may have changed since the listing
	clip, err := m.store.GetClip(ctx, clipID)
	if errors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if clip.TransferStatus != catalog.TransferTransferred ||
		(clip.ProcessingStatus != catalog.StatusDone && clip.ProcessingStatus != catalog.StatusError) {
		return false, nil
	}

	size := clip.Size
	if info, err := os.Stat(clip.LocalPath); err == nil {
		size = info.Size()
	}

	if !m.dryRun {
		if clip.LocalPath != "" {
			if err := os.Remove(clip.LocalPath); err != nil && !os.IsNotExist(err) {
				return false, errors.New(err).
					Component("retention").
					Category(errors.CategoryFileIO).
					ClipContext(clipID).
					FileContext(clip.LocalPath, size).
					Build()
			}
		}
		if err := m.store.DeleteClip(ctx, clipID); err != nil {
			return false, err
		}
	}

	report.Deleted = append(report.Deleted, Deletion{ClipID: clipID, Reason: reason, Size: size})
	report.Freed += size
	m.log.Info("clip removed by retention",
		logger.String("clip_id", clipID),
		logger.String("reason", reason),
		logger.Int64("size", size),
		logger.Bool("dry_run", m.dryRun))
	return true, nil
}

func (m *Manager) updateAlert(ctx context.Context, report *Report, usage Usage) error {
	if m.dryRun {
		return nil
	}
	if report.Critical {
		detail := fmt.Sprintf("storage usage %.1f%% above %.1f%% with no clips eligible for deletion", usage.Percent, m.maxUsage)
		m.log.Error("storage critical",
			logger.Float64("usage_percent", usage.Percent),
			logger.Float64("max_usage_percent", m.maxUsage))
		return m.store.SetAlert(ctx, catalog.AlertStorageCritical, detail)
	}
	return m.store.ClearAlert(ctx, catalog.AlertStorageCritical)
}

func (m *Manager) finish(report *Report, start time.Time) *Report {
	report.Duration = time.Since(start)
	if m.metrics != nil {
		m.metrics.RecordReconcile(len(report.Deleted), report.Freed, report.Duration)
		m.metrics.SetStorageUsage(report.UsageAfter)
		m.metrics.SetStorageCritical(report.Critical)
	}
	m.mu.Lock()
	m.last = report
	m.mu.Unlock()

	if len(report.Deleted) > 0 || report.Critical {
		m.log.Info("retention reconcile finished",
			logger.Int("deleted", len(report.Deleted)),
			logger.Int64("freed_bytes", report.Freed),
			logger.Float64("usage_after", report.UsageAfter),
			logger.Bool("critical", report.Critical),
			logger.Duration("elapsed", report.Duration))
	}
	return report
}

func configError(err error, field string) error {
	return errors.New(err).
		Component("retention").
		Category(errors.CategoryConfiguration).
		Context("field", field).
		Build()
}
