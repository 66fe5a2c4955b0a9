// conf/validate.go
package conf

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/blinksync/syncbrain/internal/logger"
)

// ValidationError collects every problem found in a settings tree
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings checks the settings tree and returns a ValidationError
// listing every problem, or nil.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	validators := []func(*Settings) []string{
		validateNodeSettings,
		validateDriveSettings,
		validateTransferSettings,
		validateProcessingSettings,
		validateRecognitionSettings,
		validateRetentionSettings,
		validateCatalogSettings,
		validateSyncSettings,
		validateMQTTSettings,
		validateAPISettings,
	}
	for _, v := range validators {
		ve.Errors = append(ve.Errors, v(settings)...)
	}

	if len(ve.Errors) > 0 {
		GetLogger().Error("settings validation failed", logger.Int("errors", len(ve.Errors)))
		return ve
	}
	return nil
}

func validateNodeSettings(s *Settings) []string {
	if !slices.Contains([]string{RoleStorage, RoleProcessing, RoleCombined}, s.Node.Role) {
		return []string{fmt.Sprintf("node.role must be storage, processing or combined, got %q", s.Node.Role)}
	}
	return nil
}

func validateDriveSettings(s *Settings) []string {
	if s.Node.Role == RoleProcessing {
		return nil
	}
	d := &s.Drive
	var errs []string

	if d.ImagePath == "" {
		errs = append(errs, "drive.imagepath is required")
	}
	if d.Mountpoint == "" {
		errs = append(errs, "drive.mountpoint is required")
	}
	if d.CapacityMB < 0 {
		errs = append(errs, "drive.capacitymb must not be negative")
	}
	if d.BusyPolicy != BusyPolicyQueue && d.BusyPolicy != BusyPolicyReject {
		errs = append(errs, fmt.Sprintf("drive.busypolicy must be queue or reject, got %q", d.BusyPolicy))
	}
	if d.SwitchTimeout <= 0 {
		errs = append(errs, "drive.switchtimeout must be positive")
	}
	if d.QuiescenceTimeout < 0 {
		errs = append(errs, "drive.quiescencetimeout must not be negative")
	}
	errs = append(errs, validateRetry("drive.retry", &d.Retry)...)
	if d.Gadget.ConfigFSRoot == "" || d.Gadget.Name == "" {
		errs = append(errs, "drive.gadget.configfsroot and drive.gadget.name are required")
	}
	if strings.ContainsAny(d.Gadget.Name, `/\`) {
		errs = append(errs, "drive.gadget.name must not contain path separators")
	}
	return errs
}

func validateRetry(prefix string, r *RetrySettings) []string {
	var errs []string
	if r.MaxRetries < 0 {
		errs = append(errs, prefix+".maxretries must not be negative")
	}
	if r.InitialDelay < 0 || r.MaxDelay < 0 {
		errs = append(errs, prefix+" delays must not be negative")
	}
	if r.MaxDelay > 0 && r.InitialDelay > r.MaxDelay {
		errs = append(errs, prefix+".initialdelay must not exceed maxdelay")
	}
	if r.Multiplier != 0 && r.Multiplier < 1 {
		errs = append(errs, prefix+".multiplier must be at least 1")
	}
	return errs
}

func validateTransferSettings(s *Settings) []string {
	t := &s.Transfer
	var errs []string

	if t.Source != SourceLocal && t.Source != SourceSFTP {
		errs = append(errs, fmt.Sprintf("transfer.source must be local or sftp, got %q", t.Source))
	}
	if t.LocalDir == "" {
		errs = append(errs, "transfer.localdir is required")
	}
	if t.Verify != VerifySize && t.Verify != VerifySHA256 {
		errs = append(errs, fmt.Sprintf("transfer.verify must be size or sha256, got %q", t.Verify))
	}
	if len(t.Extensions) == 0 {
		errs = append(errs, "transfer.extensions must list at least one extension")
	}
	if t.Source == SourceSFTP {
		if t.SFTP.Host == "" || t.SFTP.Username == "" {
			errs = append(errs, "transfer.sftp.host and transfer.sftp.username are required for sftp source")
		}
		if t.SFTP.Password == "" && t.SFTP.KeyFile == "" {
			errs = append(errs, "transfer.sftp needs a password or a keyfile")
		}
		if t.SFTP.Port <= 0 || t.SFTP.Port > 65535 {
			errs = append(errs, fmt.Sprintf("transfer.sftp.port out of range: %d", t.SFTP.Port))
		}
	}
	errs = append(errs, validateRetry("transfer.retry", &t.Retry)...)
	return errs
}

func validateProcessingSettings(s *Settings) []string {
	if s.Node.Role == RoleStorage {
		return nil
	}
	p := &s.Processing
	var errs []string

	if p.Stride < 1 {
		errs = append(errs, fmt.Sprintf("processing.stride must be at least 1, got %d", p.Stride))
	}
	if p.Concurrency < 1 {
		errs = append(errs, fmt.Sprintf("processing.concurrency must be at least 1, got %d", p.Concurrency))
	}
	if p.ClipTimeout <= 0 {
		errs = append(errs, "processing.cliptimeout must be positive")
	}
	if p.MaxAttempts < 1 {
		errs = append(errs, "processing.maxattempts must be at least 1")
	}
	if p.QueueSize < 0 {
		errs = append(errs, "processing.queuesize must not be negative")
	}
	switch p.Backend {
	case BackendOpenCV:
		if p.OpenCV.DetectorModel == "" || p.OpenCV.EmbedderModel == "" {
			errs = append(errs, "processing.opencv.detectormodel and embeddermodel are required")
		}
	case BackendTFLite:
		if p.TFLite.ModelPath == "" {
			errs = append(errs, "processing.tflite.modelpath is required")
		}
		if p.TFLite.InputSize <= 0 {
			errs = append(errs, "processing.tflite.inputsize must be positive")
		}
	default:
		errs = append(errs, fmt.Sprintf("processing.backend must be opencv or tflite, got %q", p.Backend))
	}
	return errs
}

func validateRecognitionSettings(s *Settings) []string {
	r := &s.Recognition
	var errs []string
	if r.Threshold < 0 || r.Threshold > 1 {
		errs = append(errs, fmt.Sprintf("recognition.threshold must be between 0 and 1, got %g", r.Threshold))
	}
	if r.TieEpsilon < 0 {
		errs = append(errs, "recognition.tieepsilon must not be negative")
	}
	if r.MinFaceSize < 0 {
		errs = append(errs, "recognition.minfacesize must not be negative")
	}
	return errs
}

func validateRetentionSettings(s *Settings) []string {
	r := &s.Retention
	if !r.Enabled {
		return nil
	}
	var errs []string
	if r.MaxAge != "" {
		if _, err := ParseRetentionPeriod(r.MaxAge); err != nil {
			errs = append(errs, fmt.Sprintf("retention.maxage: %v", err))
		}
	}
	if r.MaxUsage != "" {
		p, err := ParsePercentage(r.MaxUsage)
		switch {
		case err != nil:
			errs = append(errs, fmt.Sprintf("retention.maxusage: %v", err))
		case p <= 0 || p > 100:
			errs = append(errs, fmt.Sprintf("retention.maxusage must be in (0%%, 100%%], got %g%%", p))
		}
	}
	if r.MinClips < 0 {
		errs = append(errs, "retention.minclips must not be negative")
	}
	if r.Interval <= 0 {
		errs = append(errs, "retention.interval must be positive")
	}
	return errs
}

func validateCatalogSettings(s *Settings) []string {
	c := &s.Catalog
	switch c.Type {
	case CatalogSQLite:
		if c.SQLite.Path == "" {
			return []string{"catalog.sqlite.path is required"}
		}
	case CatalogMySQL:
		if c.MySQL.Host == "" || c.MySQL.Database == "" || c.MySQL.Username == "" {
			return []string{"catalog.mysql host, database and username are required"}
		}
	default:
		return []string{fmt.Sprintf("catalog.type must be sqlite or mysql, got %q", c.Type)}
	}
	return nil
}

func validateMQTTSettings(s *Settings) []string {
	m := &s.MQTT
	if !m.Enabled {
		return nil
	}
	var errs []string
	u, err := url.Parse(m.Broker)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("mqtt.broker must be a URL like tcp://host:1883, got %q", m.Broker))
	}
	if m.Topic == "" {
		errs = append(errs, "mqtt.topic is required")
	}
	if m.StatusInterval <= 0 {
		errs = append(errs, "mqtt.statusinterval must be positive")
	}
	return errs
}

func validateSyncSettings(s *Settings) []string {
	if s.Sync.PeerURL == "" {
		return nil
	}
	u, err := url.Parse(s.Sync.PeerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return []string{fmt.Sprintf("sync.peerurl must be an http(s) URL, got %q", s.Sync.PeerURL)}
	}
	if s.Node.Role != RoleStorage {
		return []string{"sync.peerurl only applies to storage nodes"}
	}
	return nil
}

func validateAPISettings(s *Settings) []string {
	a := &s.API
	if !a.Enabled {
		return nil
	}
	var errs []string
	if a.Listen == "" {
		errs = append(errs, "api.listen is required")
	}
	if a.RateLimit <= 0 || a.Burst < 1 {
		errs = append(errs, "api.ratelimit must be positive and api.burst at least 1")
	}
	return errs
}
