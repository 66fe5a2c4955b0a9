// env.go - Environment variable configuration and validation for syncbrain
package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envBinding holds metadata for environment variable bindings (internal use)
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns all environment variable bindings with validation
func getEnvBindings() []envBinding {
	return []envBinding{
		{"node.name", "SYNCBRAIN_NODE_NAME", nil},
		{"node.role", "SYNCBRAIN_NODE_ROLE", oneOf(RoleStorage, RoleProcessing, RoleCombined)},

		// Drive
		{"drive.imagepath", "SYNCBRAIN_DRIVE_IMAGEPATH", validateEnvPath},
		{"drive.mountpoint", "SYNCBRAIN_DRIVE_MOUNTPOINT", validateEnvPath},
		{"drive.busypolicy", "SYNCBRAIN_DRIVE_BUSYPOLICY", oneOf(BusyPolicyQueue, BusyPolicyReject)},
		{"drive.gadget.udc", "SYNCBRAIN_DRIVE_GADGET_UDC", nil},

		// Transfer
		{"transfer.source", "SYNCBRAIN_TRANSFER_SOURCE", oneOf(SourceLocal, SourceSFTP)},
		{"transfer.localdir", "SYNCBRAIN_TRANSFER_LOCALDIR", nil},
		{"transfer.verify", "SYNCBRAIN_TRANSFER_VERIFY", oneOf(VerifySize, VerifySHA256)},
		{"transfer.sftp.host", "SYNCBRAIN_SFTP_HOST", nil},
		{"transfer.sftp.username", "SYNCBRAIN_SFTP_USERNAME", nil},
		{"transfer.sftp.password", "SYNCBRAIN_SFTP_PASSWORD", nil},

		// Processing and recognition
		{"processing.concurrency", "SYNCBRAIN_PROCESSING_CONCURRENCY", validateEnvPositiveInt},
		{"processing.stride", "SYNCBRAIN_PROCESSING_STRIDE", validateEnvPositiveInt},
		{"processing.cliptimeout", "SYNCBRAIN_PROCESSING_CLIPTIMEOUT", validateEnvDuration},
		{"processing.backend", "SYNCBRAIN_PROCESSING_BACKEND", oneOf(BackendOpenCV, BackendTFLite)},
		{"recognition.threshold", "SYNCBRAIN_RECOGNITION_THRESHOLD", validateEnvThreshold},
		{"recognition.gallerypath", "SYNCBRAIN_RECOGNITION_GALLERYPATH", nil},

		// Retention
		{"retention.enabled", "SYNCBRAIN_RETENTION_ENABLED", validateEnvBool},
		{"retention.maxage", "SYNCBRAIN_RETENTION_MAXAGE", validateEnvRetention},
		{"retention.maxusage", "SYNCBRAIN_RETENTION_MAXUSAGE", validateEnvPercentage},
		{"retention.dryrun", "SYNCBRAIN_RETENTION_DRYRUN", validateEnvBool},

		// Catalog
		{"catalog.type", "SYNCBRAIN_CATALOG_TYPE", oneOf(CatalogSQLite, CatalogMySQL)},
		{"catalog.sqlite.path", "SYNCBRAIN_CATALOG_SQLITE_PATH", nil},
		{"catalog.mysql.password", "SYNCBRAIN_CATALOG_MYSQL_PASSWORD", nil},

		// Outer surfaces
		{"mqtt.enabled", "SYNCBRAIN_MQTT_ENABLED", validateEnvBool},
		{"mqtt.broker", "SYNCBRAIN_MQTT_BROKER", nil},
		{"mqtt.password", "SYNCBRAIN_MQTT_PASSWORD", nil},
		{"api.listen", "SYNCBRAIN_API_LISTEN", nil},
		{"sync.peerurl", "SYNCBRAIN_SYNC_PEERURL", nil},
		{"sentry.enabled", "SYNCBRAIN_SENTRY_ENABLED", validateEnvBool},
		{"sentry.dsn", "SYNCBRAIN_SENTRY_DSN", nil},
	}
}

// configureEnvironmentVariables sets up environment variable bindings with validation (internal)
func configureEnvironmentVariables() error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := viper.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate != nil {
			if envValue := os.Getenv(binding.EnvVar); envValue != "" {
				if err := binding.Validate(envValue); err != nil {
					warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", binding.EnvVar, envValue, err))
				}
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}
	return nil
}

// Environment variable validation functions

func oneOf(valid ...string) func(string) error {
	return func(value string) error {
		if slices.Contains(valid, value) {
			return nil
		}
		return fmt.Errorf("must be one of: %s", strings.Join(valid, ", "))
	}
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("invalid boolean value '%s': must be true/false, 1/0, t/f, TRUE/FALSE, T/F", value)
	}
	return nil
}

func validateEnvPositiveInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid integer: %w", err)
	}
	if n < 1 {
		return fmt.Errorf("must be at least 1, got %d", n)
	}
	return nil
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("duration must be positive, got %s", d)
	}
	return nil
}

func validateEnvThreshold(value string) error {
	threshold, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid threshold: %w", err)
	}
	if threshold < 0.0 || threshold > 1.0 {
		return fmt.Errorf("threshold must be between 0.0 and 1.0, got %g", threshold)
	}
	return nil
}

func validateEnvRetention(value string) error {
	_, err := ParseRetentionPeriod(value)
	return err
}

func validateEnvPercentage(value string) error {
	p, err := ParsePercentage(value)
	if err != nil {
		return err
	}
	if p <= 0 || p > 100 {
		return fmt.Errorf("percentage must be in (0, 100], got %g", p)
	}
	return nil
}

func validateEnvPath(value string) error {
	cleanedPath := filepath.Clean(value)
	if !filepath.IsAbs(cleanedPath) {
		return fmt.Errorf("path must be absolute, got relative path: %s", cleanedPath)
	}
	return nil
}
