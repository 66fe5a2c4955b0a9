// config.go: settings struct for syncbrain and the functions to load and save it.
package conf

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/blinksync/syncbrain/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

// Node roles
const (
	RoleStorage    = "storage"    // owns the backing image and the USB gadget
	RoleProcessing = "processing" // pulls clips and runs recognition
	RoleCombined   = "combined"   // both on one host
)

// NodeSettings identifies this node
type NodeSettings struct {
	Name string // name used in status payloads and MQTT topics
	Role string // storage, processing or combined
}

// GadgetSettings describes the configfs mass-storage gadget
type GadgetSettings struct {
	ConfigFSRoot string // usually /sys/kernel/config/usb_gadget
	Name         string // gadget directory name
	UDC          string // UDC to bind to, empty picks the first in /sys/class/udc
	VendorID     string // idVendor, hex
	ProductID    string // idProduct, hex
	Manufacturer string
	Product      string
	SerialNumber string
	Removable    bool
	ReadOnly     bool
	NoFUA        bool
}

// RetrySettings is a bounded exponential backoff policy
type RetrySettings struct {
	MaxRetries   int           // retries after the first attempt
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // cap for a single delay
	Multiplier   float64       // growth factor between retries
}

// DriveSettings configures the backing image and mode switching
type DriveSettings struct {
	ImagePath         string        // FAT32 backing image
	CapacityMB        int64         // declared capacity, 0 skips the size check
	Mountpoint        string        // where the image is mounted in server mode
	MountOptions      string        // extra mount options
	BusyPolicy        string        // "queue" waits for the running switch, "reject" fails fast
	SwitchTimeout     time.Duration // bound on one switch request including queueing
	QuiescenceTimeout time.Duration // wait for in-flight transfers before cancelling them
	Retry             RetrySettings
	Gadget            GadgetSettings
}

// SFTPSettings configures pulling clips from a remote storage node
type SFTPSettings struct {
	Host           string
	Port           int
	Username       string
	Password       string
	KeyFile        string
	KnownHostsFile string // empty disables host key verification
	RemoteDir      string
	Timeout        time.Duration
}

// TransferSettings configures the clip transfer agent
type TransferSettings struct {
	Source       string   // "local" reads the mountpoint, "sftp" pulls from a remote node
	LocalDir     string   // processing node clip storage
	Extensions   []string // clip file extensions to pick up
	Verify       string   // "size" or "sha256"
	DeleteSource bool     // remove source after a verified copy
	KnownKeyTTL  time.Duration
	Retry        RetrySettings
	SFTP         SFTPSettings
}

// OpenCVSettings configures the gocv recognition backend
type OpenCVSettings struct {
	DetectorModel       string  // SSD face detector weights
	DetectorConfig      string  // SSD face detector prototxt
	EmbedderModel       string  // OpenFace torch model
	DetectionConfidence float64 // minimum detector score for a face region
}

// TFLiteSettings configures the TensorFlow Lite embedder
type TFLiteSettings struct {
	ModelPath  string
	Threads    int // 0 picks the performance core count
	UseXNNPACK bool
	InputSize  int // square input edge in pixels
}

// ProcessingSettings configures the clip processor
type ProcessingSettings struct {
	Stride      int           // process every Nth frame
	Concurrency int           // clips processed at once
	ClipTimeout time.Duration // per clip bound
	MaxAttempts int           // automatic attempts before a clip is left in error
	RetryDelay  time.Duration
	QueueSize   int    // 0 means unbounded
	Backend     string // "opencv" or "tflite"
	OpenCV      OpenCVSettings
	TFLite      TFLiteSettings
}

// RecognitionSettings configures gallery matching
type RecognitionSettings struct {
	GalleryPath string
	Threshold   float64 // minimum similarity for a named match
	TieEpsilon  float64 // similarities closer than this are a tie
	MinFaceSize int     // smaller faces are ignored, pixels
}

// RetentionSettings configures clip eviction
type RetentionSettings struct {
	Enabled  bool
	MaxAge   string // e.g. "30d"
	MaxUsage string // e.g. "80%"
	MinClips int    // never evict below this many processed clips
	DryRun   bool
	Interval time.Duration
}

// SQLiteSettings contains settings for SQLite catalogs
type SQLiteSettings struct {
	Path string
}

// MySQLSettings contains settings for MySQL catalogs
type MySQLSettings struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string
}

// CatalogSettings selects the catalog backend
type CatalogSettings struct {
	Type   string // "sqlite" or "mysql"
	Debug  bool
	SQLite SQLiteSettings
	MySQL  MySQLSettings
}

// SyncSettings configures the storage node sync cycle
type SyncSettings struct {
	Interval time.Duration // time spent in storage mode between cycles
	Window   time.Duration // time spent in server mode when a remote node pulls
	PeerURL  string        // API of the processing node pulling over SFTP
}

// MQTTSettings contains settings for status publishing
type MQTTSettings struct {
	Enabled        bool
	Broker         string
	Topic          string // topic prefix
	Username       string
	Password       string
	ClientID       string
	Retain         bool
	StatusInterval time.Duration
}

// APISettings configures the HTTP status and override endpoint
type APISettings struct {
	Enabled   bool
	Listen    string
	RateLimit float64 // override requests per second
	Burst     int
}

// StatusSettings configures the status snapshot
type StatusSettings struct {
	TransitionHistory int // transitions included in a snapshot
}

// SentrySettings contains settings for opt-in error telemetry
type SentrySettings struct {
	Enabled bool
	DSN     string
	Debug   bool
}

// Settings contains all configuration options
type Settings struct {
	Debug       bool
	Node        NodeSettings
	Logging     logger.LoggingConfig
	Drive       DriveSettings
	Transfer    TransferSettings
	Processing  ProcessingSettings
	Recognition RecognitionSettings
	Retention   RetentionSettings
	Catalog     CatalogSettings
	Sync        SyncSettings
	MQTT        MQTTSettings
	API         APISettings
	Status      StatusSettings
	Sentry      SentrySettings
}

var (
	settingsInstance *Settings
	once             sync.Once
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment variables into Settings.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	setDefaultConfig()

	if err := configureEnvironmentVariables(); err != nil {
		GetLogger().Warn("environment configuration issues", logger.Error(err))
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return createDefaultConfig(configPaths[0])
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}
	return nil
}

// createDefaultConfig writes the embedded default config to dir and reads it back
func createDefaultConfig(dir string) error {
	configPath := filepath.Join(dir, "config.yaml")

	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		return fmt.Errorf("error reading embedded default config: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	GetLogger().Info("created default config file", logger.String("path", configPath))
	return viper.ReadInConfig()
}

// GetSettings returns the current settings instance
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// Setting returns the current settings, loading them on first use
func Setting() *Settings {
	once.Do(func() {
		if GetSettings() == nil {
			if _, err := Load(); err != nil {
				GetLogger().Error("error loading settings", logger.Error(err))
				os.Exit(1)
			}
		}
	})
	return GetSettings()
}

// SaveYAMLConfig writes settings to configPath atomically.
// Comments and ordering of the existing file are not preserved.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("error writing temporary file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("error syncing temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}
	if err := os.Rename(tmpName, configPath); err != nil {
		return fmt.Errorf("error replacing config file: %w", err)
	}
	return nil
}

// GetLogger returns the configuration module logger
func GetLogger() logger.Logger {
	return logger.Global().Module("conf")
}
