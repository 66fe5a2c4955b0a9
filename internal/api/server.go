// Package api serves the status query, the manual overrides and the
// Prometheus endpoint over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/blinksync/syncbrain/internal/buildinfo"
	"github.com/blinksync/syncbrain/internal/catalog"
	"github.com/blinksync/syncbrain/internal/conf"
	"github.com/blinksync/syncbrain/internal/drive"
	"github.com/blinksync/syncbrain/internal/logger"
	"github.com/blinksync/syncbrain/internal/observability"
	"github.com/blinksync/syncbrain/internal/recognition"
	"github.com/blinksync/syncbrain/internal/retention"
	"github.com/blinksync/syncbrain/internal/status"
)

const (
	// BasePath prefixes every API route
	BasePath = "/api/v1"

	shutdownTimeout = 10 * time.Second
	bodyLimit       = "64K"
	readTimeout     = 30 * time.Second
	// mode switches may wait for quiescence and retries
	writeTimeout = 5 * time.Minute
)

// StatusProvider answers the status query
type StatusProvider interface {
	Snapshot(ctx context.Context) (*status.Snapshot, error)
}

// ModeSwitcher performs manual mode switches
type ModeSwitcher interface {
	Switch(ctx context.Context, target drive.Mode) (drive.Transition, error)
}

// Reconciler runs retention on demand
type Reconciler interface {
	Run(ctx context.Context) (*retention.Report, error)
}

// Reprocessor re-queues a clip
type Reprocessor interface {
	Reprocess(ctx context.Context, clipID string) error
}

// ClipReader reads clips and their results
type ClipReader interface {
	GetClip(ctx context.Context, id string) (*catalog.Clip, error)
	Results(ctx context.Context, clipID string) ([]catalog.ProcessingResult, error)
	ListClips(ctx context.Context, f catalog.ClipFilter) ([]catalog.Clip, error)
}

// TransferActivity reports and cancels the pulls of a node's transfer agent
type TransferActivity interface {
	InFlight() int
	Operations() int
	CancelInFlight()
}

// GalleryReader lists known identities
type GalleryReader interface {
	Stats() []recognition.IdentityStats
}

// Server is the HTTP control surface of a node. Components a role does not
// run are left nil and their routes answer 501.
type Server struct {
	echo     *echo.Echo
	settings *conf.APISettings
	build    *buildinfo.Context

	status     StatusProvider
	switcher   ModeSwitcher
	reconciler Reconciler
	processor  Reprocessor
	clips      ClipReader
	gallery    GalleryReader
	transfers  TransferActivity
	metrics    *observability.Metrics

	startTime time.Time
	log       logger.Logger
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithStatus sets the status provider.
func WithStatus(p StatusProvider) ServerOption {
	return func(s *Server) { s.status = p }
}

// WithModeSwitcher sets the drive coordinator.
func WithModeSwitcher(m ModeSwitcher) ServerOption {
	return func(s *Server) { s.switcher = m }
}

// WithReconciler sets the retention manager.
func WithReconciler(r Reconciler) ServerOption {
	return func(s *Server) { s.reconciler = r }
}

// WithReprocessor sets the clip processor.
func WithReprocessor(p Reprocessor) ServerOption {
	return func(s *Server) { s.processor = p }
}

// WithClips sets the catalog used for clip lookups.
func WithClips(c ClipReader) ServerOption {
	return func(s *Server) { s.clips = c }
}

// WithGallery sets the recognition gallery.
func WithGallery(g GalleryReader) ServerOption {
	return func(s *Server) { s.gallery = g }
}

// WithTransfers sets the transfer agent whose pulls a storage peer waits on.
func WithTransfers(t TransferActivity) ServerOption {
	return func(s *Server) { s.transfers = t }
}

// WithMetrics sets the observability metrics for the server.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithBuildInfo sets the version reported by /health.
func WithBuildInfo(b *buildinfo.Context) ServerOption {
	return func(s *Server) { s.build = b }
}

// GetLogger returns the api module logger
func GetLogger() logger.Logger {
	return logger.Global().Module("api")
}

// New creates the server and registers its routes.
func New(settings *conf.APISettings, opts ...ServerOption) *Server {
	s := &Server{
		settings:  settings,
		startTime: time.Now(),
		log:       GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Logger = logger.NewEchoLoggerAdapter(s.log.Module("echo"))
	s.echo.Server.ReadTimeout = readTimeout
	s.echo.Server.WriteTimeout = writeTimeout

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.echo.Use(echomw.Recover())
	s.echo.Use(s.requestLogger())
	s.echo.Use(echomw.BodyLimit(bodyLimit))
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	g := s.echo.Group(BasePath)
	g.GET("/status", s.GetStatus)
	g.GET("/clips", s.ListClips)
	g.GET("/clips/:id", s.GetClip)
	g.GET("/gallery", s.GetGallery)
	g.GET("/transfers", s.GetTransfers)
	// called by the storage node before it takes the drive back
	g.POST("/transfers/cancel", s.CancelTransfers)

	overrides := g.Group("", s.rateLimiter())
	overrides.POST("/mode", s.SwitchMode)
	overrides.POST("/retention/reconcile", s.Reconcile)
	overrides.POST("/clips/:id/reprocess", s.ReprocessClip)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) healthCheck(c echo.Context) error {
	uptime := time.Since(s.startTime)
	version := buildinfo.UnknownValue
	if s.build != nil {
		version = s.build.GetVersion()
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        version,
		"uptime":         uptime.Round(time.Second).String(),
		"uptime_seconds": uptime.Seconds(),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting HTTP server", logger.String("address", s.settings.Listen))
		if err := s.echo.Start(s.settings.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("HTTP server shutdown", logger.Error(err))
		return err
	}
	<-errCh
	s.log.Info("HTTP server stopped")
	return nil
}
