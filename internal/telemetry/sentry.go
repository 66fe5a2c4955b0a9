// Package telemetry provides opt-in, privacy-scrubbed error reporting to Sentry
package telemetry

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/blinksync/syncbrain/internal/buildinfo"
	"github.com/blinksync/syncbrain/internal/conf"
	"github.com/blinksync/syncbrain/internal/errors"
	"github.com/blinksync/syncbrain/internal/logger"
)

var (
	initMu      sync.Mutex
	initialized bool
)

// PlatformInfo holds privacy-safe platform information for telemetry
type PlatformInfo struct {
	OS           string `json:"os"`
	Architecture string `json:"arch"`
	Container    bool   `json:"container"`
	BoardModel   string `json:"board_model,omitempty"`
	NumCPU       int    `json:"num_cpu"`
	GoVersion    string `json:"go_version"`
}

func collectPlatformInfo() PlatformInfo {
	info := PlatformInfo{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		Container:    conf.RunningInContainer(),
		NumCPU:       runtime.NumCPU(),
		GoVersion:    runtime.Version(),
	}
	// Board model only on SBC-class hosts
	if conf.IsLinuxArm64() {
		info.BoardModel = conf.GetBoardModel()
	}
	return info
}

// InitSentry initializes the Sentry SDK and installs the error reporter.
// Nothing is sent unless sentry.enabled is set and a DSN is configured.
// transport is optional and only used by tests.
func InitSentry(settings *conf.Settings, build *buildinfo.Context, transport sentry.Transport) error {
	log := GetLogger()
	if !settings.Sentry.Enabled {
		log.Info("sentry telemetry is disabled (opt-in required)")
		return nil
	}
	if settings.Sentry.DSN == "" {
		log.Warn("sentry enabled without a DSN, telemetry stays off")
		return nil
	}

	initMu.Lock()
	defer initMu.Unlock()

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              settings.Sentry.DSN,
		SampleRate:       1.0,
		Debug:            settings.Sentry.Debug,
		AttachStacktrace: false,
		Environment:      "production",
		ServerName:       "",
		Release:          fmt.Sprintf("syncbrain@%s", build.GetVersion()),
		Transport:        transport,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	})
	if err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}

	platform := collectPlatformInfo()
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("node_id", build.GetNodeID())
		scope.SetTag("node_role", settings.Node.Role)
		scope.SetTag("os", platform.OS)
		scope.SetTag("arch", platform.Architecture)
		scope.SetTag("container", fmt.Sprintf("%t", platform.Container))
		if platform.BoardModel != "" {
			scope.SetTag("board_model", platform.BoardModel)
		}
		scope.SetContext("platform", map[string]any{
			"num_cpu":    platform.NumCPU,
			"go_version": platform.GoVersion,
		})
	})

	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	initialized = true

	log.Info("sentry telemetry initialized",
		logger.String("release", build.GetVersion()),
		logger.String("node_role", settings.Node.Role))
	return nil
}

// applyPrivacyFilters strips host identity and scrubs free text
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
	}
	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}

	event.Message = errors.ScrubMessage(event.Message)
	for i := range event.Exception {
		event.Exception[i].Value = errors.ScrubMessage(event.Exception[i].Value)
	}
	return event
}

// CaptureMessage sends a scrubbed message, a no-op when telemetry is off
func CaptureMessage(message string, level sentry.Level, component string) {
	initMu.Lock()
	ok := initialized
	initMu.Unlock()
	if !ok {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", component)
		scope.SetLevel(level)
		sentry.CaptureMessage(errors.ScrubMessage(message))
	})
}

// Flush waits for buffered events, a no-op when telemetry is off
func Flush(timeout time.Duration) {
	initMu.Lock()
	ok := initialized
	initMu.Unlock()
	if ok {
		sentry.Flush(timeout)
	}
}

// GetLogger returns the telemetry module logger
func GetLogger() logger.Logger {
	return logger.Global().Module("telemetry")
}
