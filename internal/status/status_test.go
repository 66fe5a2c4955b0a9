package status

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinksync/syncbrain/internal/buildinfo"
	"github.com/blinksync/syncbrain/internal/catalog"
	"github.com/blinksync/syncbrain/internal/conf"
	"github.com/blinksync/syncbrain/internal/drive"
	"github.com/blinksync/syncbrain/internal/processor"
	"github.com/blinksync/syncbrain/internal/retention"
)

type fixedUsage struct{ used, total uint64 }

func (u fixedUsage) Usage(context.Context, string) (retention.Usage, error) {
	return retention.Usage{Total: u.total, Used: u.used, Free: u.total - u.used,
		Percent: float64(u.used) / float64(u.total) * 100}, nil
}

type fixedQueue processor.Stats

func (q fixedQueue) Stats() processor.Stats { return processor.Stats(q) }

func staticHost(context.Context) HostInfo { return HostInfo{Hostname: "pi"} }

func openStore(t *testing.T) *catalog.Store {
	t.Helper()
	store, err := catalog.OpenSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newCoordinator(t *testing.T, store *catalog.Store, host *drive.FakeHost) *drive.Coordinator {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blink.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 1024), 0o644))
	return drive.NewCoordinator(drive.StorageImage{Path: path}, "/mnt/blink", host.Gadget(), host.Mounter(),
		drive.WithTransitionLog(store), drive.WithAlertSink(store))
}

func TestSnapshotCombinedNode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)

	coord := newCoordinator(t, store, drive.NewFakeHost(false, false))
	mode, err := coord.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, drive.ModeStorage, mode)
	_, err = coord.Switch(ctx, drive.ModeServer)
	require.NoError(t, err)

	_, _, err = store.RegisterClip(ctx, &catalog.Clip{ID: "c1", DiscoveryKey: "c1", Size: 10, DiscoveredAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, store.SetAlert(ctx, catalog.AlertStorageCritical, "usage 95%"))

	rm, err := retention.NewManager(&conf.RetentionSettings{Enabled: true, MaxUsage: "80%"}, t.TempDir(), store,
		retention.WithUsageProvider(fixedUsage{used: 95, total: 100}))
	require.NoError(t, err)

	svc := NewService("pi-storage", conf.RoleCombined, buildinfo.NewContext("1.2.3", "", ""),
		WithModeSource(coord),
		WithCatalog(store),
		WithQueue(fixedQueue{Queued: 2, Running: 1}),
		WithStorage(rm),
		WithHistory(5),
		withHostInfo(staticHost))

	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)

	assert.Equal(t, "pi-storage", snap.Node)
	assert.Equal(t, "1.2.3", snap.Version)
	assert.Equal(t, string(drive.ModeServer), snap.Mode)
	require.NotEmpty(t, snap.Transitions)
	assert.Equal(t, string(drive.ModeServer), snap.Transitions[0].Target, "newest first")

	require.NotNil(t, snap.Counts)
	assert.Equal(t, int64(1), snap.Counts.Pending)

	require.NotNil(t, snap.UsageFraction)
	assert.InDelta(t, 0.95, *snap.UsageFraction, 1e-9)
	require.NotNil(t, snap.Queue)
	assert.Equal(t, 2, snap.Queue.Queued)

	assert.True(t, snap.HasAlert(catalog.AlertStorageCritical))
	assert.False(t, snap.HasAlert(drive.AlertBusy))
	assert.Empty(t, snap.Errors)
	assert.Equal(t, "pi", snap.Host.Hostname)

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"mode":"server"`)
}

type brokenCatalog struct{}

func (brokenCatalog) CountByStatus(context.Context) (catalog.StatusCounts, error) {
	return catalog.StatusCounts{}, errors.New("database is locked")
}

func (brokenCatalog) ActiveAlerts(context.Context) ([]catalog.AlertState, error) {
	return nil, errors.New("database is locked")
}

func TestSnapshotReportsFailingSources(t *testing.T) {
	t.Parallel()

	svc := NewService("n", conf.RoleProcessing, nil, WithCatalog(brokenCatalog{}), withHostInfo(staticHost))
	snap, err := svc.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Nil(t, snap.Counts)
	assert.Len(t, snap.Errors, 2)
	assert.Empty(t, snap.Mode, "processing node has no drive")
	assert.NotNil(t, snap.Alerts)
}

func TestSnapshotCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewService("n", conf.RoleStorage, nil).Snapshot(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProbeHost(t *testing.T) {
	t.Parallel()

	info := NewService("n", conf.RoleStorage, nil).readHost(context.Background())
	assert.NotEmpty(t, info.AppUptime)
}
