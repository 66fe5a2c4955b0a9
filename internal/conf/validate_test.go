package conf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSettings() *Settings {
	retry := RetrySettings{MaxRetries: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	return &Settings{
		Node: NodeSettings{Name: "test", Role: RoleCombined},
		Drive: DriveSettings{
			ImagePath:         "/backing/blink.img",
			Mountpoint:        "/mnt/blink",
			BusyPolicy:        BusyPolicyQueue,
			SwitchTimeout:     time.Minute,
			QuiescenceTimeout: 10 * time.Second,
			Retry:             retry,
			Gadget:            GadgetSettings{ConfigFSRoot: "/sys/kernel/config/usb_gadget", Name: "blinksync"},
		},
		Transfer: TransferSettings{
			Source:     SourceLocal,
			LocalDir:   "clips",
			Extensions: []string{".mp4"},
			Verify:     VerifySHA256,
			Retry:      retry,
		},
		Processing: ProcessingSettings{
			Stride:      5,
			Concurrency: 2,
			ClipTimeout: 300 * time.Second,
			MaxAttempts: 3,
			Backend:     BackendOpenCV,
			OpenCV:      OpenCVSettings{DetectorModel: "d.caffemodel", EmbedderModel: "e.t7"},
		},
		Recognition: RecognitionSettings{Threshold: 0.6, MinFaceSize: 20},
		Retention:   RetentionSettings{Enabled: true, MaxAge: "30d", MaxUsage: "80%", MinClips: 10, Interval: time.Minute},
		Catalog:     CatalogSettings{Type: CatalogSQLite, SQLite: SQLiteSettings{Path: "test.db"}},
		API:         APISettings{Enabled: true, Listen: ":8090", RateLimit: 1, Burst: 5},
	}
}

func TestValidateSettingsAcceptsDefaults(t *testing.T) {
	t.Parallel()
	require.NoError(t, ValidateSettings(validSettings()))
}

func TestValidateSettingsReportsEveryProblem(t *testing.T) {
	t.Parallel()

	s := validSettings()
	s.Processing.Concurrency = 0
	s.Recognition.Threshold = 1.2
	s.Drive.BusyPolicy = "drop"
	s.Retention.MaxUsage = "120%"

	err := ValidateSettings(s)
	require.Error(t, err)

	var ve ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 4)
}

func TestValidateSettingsByField(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{"unknown role", func(s *Settings) { s.Node.Role = "camera" }, true},
		{"zero stride", func(s *Settings) { s.Processing.Stride = 0 }, true},
		{"zero clip timeout", func(s *Settings) { s.Processing.ClipTimeout = 0 }, true},
		{"tflite without model", func(s *Settings) { s.Processing.Backend = BackendTFLite }, true},
		{"unknown backend", func(s *Settings) { s.Processing.Backend = "onnx" }, true},
		{"processing checks skipped on storage node", func(s *Settings) {
			s.Node.Role = RoleStorage
			s.Processing.Stride = 0
		}, false},
		{"drive checks skipped on processing node", func(s *Settings) {
			s.Node.Role = RoleProcessing
			s.Drive.ImagePath = ""
		}, false},
		{"gadget name with slash", func(s *Settings) { s.Drive.Gadget.Name = "../evil" }, true},
		{"retry multiplier below one", func(s *Settings) { s.Drive.Retry.Multiplier = 0.5 }, true},
		{"initial delay above max", func(s *Settings) { s.Drive.Retry.InitialDelay = time.Hour }, true},
		{"sftp without credentials", func(s *Settings) {
			s.Transfer.Source = SourceSFTP
			s.Transfer.SFTP = SFTPSettings{Host: "storage.local", Username: "pi", Port: 22}
		}, true},
		{"sftp with key", func(s *Settings) {
			s.Transfer.Source = SourceSFTP
			s.Transfer.SFTP = SFTPSettings{Host: "storage.local", Username: "pi", Port: 22, KeyFile: "/home/pi/.ssh/id_ed25519"}
		}, false},
		{"unknown verify mode", func(s *Settings) { s.Transfer.Verify = "crc" }, true},
		{"bad retention age", func(s *Settings) { s.Retention.MaxAge = "forever" }, true},
		{"retention disabled ignores bad age", func(s *Settings) {
			s.Retention.Enabled = false
			s.Retention.MaxAge = "forever"
		}, false},
		{"mysql without user", func(s *Settings) {
			s.Catalog.Type = CatalogMySQL
			s.Catalog.MySQL = MySQLSettings{Host: "db", Database: "syncbrain"}
		}, true},
		{"mqtt bad broker", func(s *Settings) {
			s.MQTT = MQTTSettings{Enabled: true, Broker: "localhost", Topic: "x", StatusInterval: time.Minute}
		}, true},
		{"mqtt ok", func(s *Settings) {
			s.MQTT = MQTTSettings{Enabled: true, Broker: "tcp://localhost:1883", Topic: "x", StatusInterval: time.Minute}
		}, false},
		{"api without burst", func(s *Settings) { s.API.Burst = 0 }, true},
		{"peer url on storage node", func(s *Settings) {
			s.Node.Role = RoleStorage
			s.Sync.PeerURL = "http://nas.local:8090"
		}, false},
		{"peer url without scheme", func(s *Settings) {
			s.Node.Role = RoleStorage
			s.Sync.PeerURL = "nas.local:8090"
		}, true},
		{"peer url on combined node", func(s *Settings) { s.Sync.PeerURL = "http://nas.local:8090" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := validSettings()
			tt.mutate(s)
			err := ValidateSettings(s)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
