//go:build integration

package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mysql"
)

func TestMySQLCatalog(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping MySQL container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := mysql.Run(ctx, "mysql:8.0",
		mysql.WithDatabase("syncbrain"),
		mysql.WithUsername("syncbrain"),
		mysql.WithPassword("syncbrain"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "parseTime=true", "loc=UTC")
	require.NoError(t, err)

	store, err := OpenMySQL(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, created, err := store.RegisterClip(ctx, testClip("m1", time.Now().UTC()))
	require.NoError(t, err)
	assert.True(t, created)

	require.NoError(t, store.AddResult(ctx, &ProcessingResult{
		ClipID: "m1", Status: StatusDone,
		Matches: []FaceMatch{{Identity: "alice", Confidence: 0.9, FrameCount: 3}},
	}, StatusDone))

	latest, err := store.LatestResult(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, latest.Matches, 1)
	assert.Equal(t, "alice", latest.Matches[0].Identity)

	require.NoError(t, store.SetAlert(ctx, AlertStorageCritical, "full"))
	require.NoError(t, store.SetAlert(ctx, AlertStorageCritical, "still full"))
	alerts, err := store.ActiveAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	require.NoError(t, store.DeleteClip(ctx, "m1"))
}
