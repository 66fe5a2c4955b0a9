package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandlerExposesDomainCollectors(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics()
	require.NoError(t, err)

	m.Drive.SetMode("server")
	m.Drive.RecordSwitch("server", "success", 1, 250*time.Millisecond)
	m.Transfer.RecordDiscovered(3)
	m.Transfer.RecordTransfer("transferred", 4096, time.Second)
	m.Processing.RecordClip("done", 2*time.Second, 5)
	m.Retention.RecordReconcile(2, 1024, 10*time.Millisecond)
	m.Retention.SetStorageUsage(0.85)
	m.Retention.SetStorageCritical(true)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	for _, name := range []string{
		`drive_mode{mode="server"} 1`,
		`drive_mode{mode="storage"} 0`,
		`drive_switches_total{outcome="success",target="server"} 1`,
		`transfer_clips_discovered_total 3`,
		`transfer_bytes_total 4096`,
		`processing_frames_total 5`,
		`retention_clips_deleted_total 2`,
		`retention_storage_critical 1`,
		"go_goroutines",
	} {
		assert.Contains(t, text, name)
	}
}

func TestDriveModeIsOneHot(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics()
	require.NoError(t, err)

	m.Drive.SetMode("server")
	m.Drive.SetMode("storage")

	n, err := testutil.GatherAndCount(m.Registry(), "drive_mode")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.Equal(t, []string{"storage"}, activeModes(families))
}

// activeModes returns the mode labels whose drive_mode gauge is set
func activeModes(families []*dto.MetricFamily) []string {
	var modes []string
	for _, mf := range families {
		if mf.GetName() != "drive_mode" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if metric.GetGauge().GetValue() != 1 {
				continue
			}
			for _, label := range metric.GetLabel() {
				if label.GetName() == "mode" {
					modes = append(modes, label.GetValue())
				}
			}
		}
	}
	return modes
}
