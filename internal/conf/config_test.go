package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// loadFromHome points the config search path at a temporary home directory
func loadFromHome(t *testing.T) (*Settings, string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	viper.Reset()
	t.Cleanup(viper.Reset)

	settings, err := Load()
	require.NoError(t, err)
	return settings, home
}

func TestLoadCreatesDefaultConfig(t *testing.T) {
	settings, home := loadFromHome(t)

	_, err := os.Stat(filepath.Join(home, ".config", "syncbrain", "config.yaml"))
	require.NoError(t, err, "default config should be written on first load")

	assert.Equal(t, RoleCombined, settings.Node.Role)
	assert.Equal(t, 2, settings.Processing.Concurrency)
	assert.Equal(t, 300*time.Second, settings.Processing.ClipTimeout)
	assert.InDelta(t, 0.6, settings.Recognition.Threshold, 1e-9)
	assert.Equal(t, BusyPolicyQueue, settings.Drive.BusyPolicy)
	assert.Equal(t, "80%", settings.Retention.MaxUsage)
	assert.Equal(t, []string{".mp4"}, settings.Transfer.Extensions)
	assert.Equal(t, "info", settings.Logging.DefaultLevel)
	require.NotNil(t, settings.Logging.FileOutput)
	assert.Equal(t, "logs/syncbrain.log", settings.Logging.FileOutput.Path)
	assert.Same(t, settings, GetSettings())
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("SYNCBRAIN_PROCESSING_CONCURRENCY", "4")
	t.Setenv("SYNCBRAIN_DRIVE_BUSYPOLICY", "reject")
	t.Setenv("SYNCBRAIN_PROCESSING_CLIPTIMEOUT", "90s")

	settings, _ := loadFromHome(t)

	assert.Equal(t, 4, settings.Processing.Concurrency)
	assert.Equal(t, BusyPolicyReject, settings.Drive.BusyPolicy)
	assert.Equal(t, 90*time.Second, settings.Processing.ClipTimeout)
}

func TestEnvBindingValidation(t *testing.T) {
	t.Setenv("SYNCBRAIN_RECOGNITION_THRESHOLD", "1.5")
	t.Setenv("SYNCBRAIN_NODE_ROLE", "camera")
	viper.Reset()
	t.Cleanup(viper.Reset)

	err := configureEnvironmentVariables()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYNCBRAIN_RECOGNITION_THRESHOLD")
	assert.Contains(t, err.Error(), "SYNCBRAIN_NODE_ROLE")
}

func TestSaveYAMLConfigRoundTrip(t *testing.T) {
	settings, _ := loadFromHome(t)
	settings.Processing.Stride = 7

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, SaveYAMLConfig(path, settings))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, yaml.Unmarshal(data, &raw))
	processing, ok := raw["processing"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 7, processing["stride"])

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file should not be left behind")
}

func TestParsePercentage(t *testing.T) {
	t.Parallel()

	v, err := ParsePercentage("80%")
	require.NoError(t, err)
	assert.InDelta(t, 80.0, v, 1e-9)

	v, err = ParsePercentage(" 12.5% ")
	require.NoError(t, err)
	assert.InDelta(t, 12.5, v, 1e-9)

	_, err = ParsePercentage("80")
	require.Error(t, err)
	_, err = ParsePercentage("abc%")
	require.Error(t, err)
}

func TestParseRetentionPeriod(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		want    int
		wantErr bool
	}{
		{"24h", 24, false},
		{"30d", 720, false},
		{"1w", 168, false},
		{"3m", 2160, false},
		{"1y", 8760, false},
		{"48", 48, false},
		{"", 0, true},
		{"5x", 0, true},
		{"d", 0, true},
		{"-1d", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			got, err := ParseRetentionPeriod(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
