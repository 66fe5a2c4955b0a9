// Package service wires the components a node runs for its role and
// schedules them: the storage sync cycle, clip transfer, retention, status
// publishing and the control API.
package service

import (
	"context"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blinksync/syncbrain/internal/api"
	"github.com/blinksync/syncbrain/internal/buildinfo"
	"github.com/blinksync/syncbrain/internal/catalog"
	"github.com/blinksync/syncbrain/internal/conf"
	"github.com/blinksync/syncbrain/internal/drive"
	"github.com/blinksync/syncbrain/internal/errors"
	"github.com/blinksync/syncbrain/internal/logger"
	"github.com/blinksync/syncbrain/internal/mqtt"
	"github.com/blinksync/syncbrain/internal/observability"
	"github.com/blinksync/syncbrain/internal/processor"
	"github.com/blinksync/syncbrain/internal/recognition"
	"github.com/blinksync/syncbrain/internal/retention"
	"github.com/blinksync/syncbrain/internal/status"
	"github.com/blinksync/syncbrain/internal/transfer"
)

const (
	minSyncInterval      = time.Second
	minRetentionInterval = time.Second
	peerRequestTimeout   = 10 * time.Second
)

// Service is one running node
type Service struct {
	settings *conf.Settings
	build    *buildinfo.Context
	metrics  *observability.Metrics

	store       *catalog.Store
	ownsStore   bool
	gadget      drive.Gadget
	mounter     drive.Mounter
	coordinator *drive.Coordinator
	peer        *api.RemoteQuiescer
	source      transfer.Source
	agent       *transfer.Agent
	gallery     *recognition.Gallery
	decoder     recognition.Decoder
	backend     recognition.Backend
	engine      *recognition.EmbeddingEngine
	processor   *processor.Processor
	retention   *retention.Manager
	status      *status.Service
	api         *api.Server
	publisher   *mqtt.Publisher

	log logger.Logger
}

// Option configures a Service
type Option func(*Service)

// WithCatalog uses an already opened catalog. The caller keeps ownership.
func WithCatalog(store *catalog.Store) Option {
	return func(s *Service) { s.store = store }
}

// WithDriveHost replaces the configfs gadget and the system mounter
func WithDriveHost(gadget drive.Gadget, mounter drive.Mounter) Option {
	return func(s *Service) {
		s.gadget = gadget
		s.mounter = mounter
	}
}

// WithRecognition replaces the video decoder and the recognition backend
func WithRecognition(decoder recognition.Decoder, backend recognition.Backend) Option {
	return func(s *Service) {
		s.decoder = decoder
		s.backend = backend
	}
}

// GetLogger returns the service module logger
func GetLogger() logger.Logger {
	return logger.Global().Module("service")
}

// New builds every component the node role needs. Nothing runs until Run.
func New(settings *conf.Settings, build *buildinfo.Context, opts ...Option) (_ *Service, err error) {
	s := &Service{settings: settings, build: build, log: GetLogger()}
	for _, opt := range opts {
		opt(s)
	}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	if s.metrics, err = observability.NewMetrics(); err != nil {
		return nil, errors.New(err).
			Component("service").
			Category(errors.CategorySystem).
			Context("operation", "init_metrics").
			Build()
	}

	if s.store == nil {
		if s.store, err = catalog.Open(&settings.Catalog); err != nil {
			return nil, err
		}
		s.ownsStore = true
	}

	if s.runsProcessing() {
		if err := s.buildProcessing(); err != nil {
			return nil, err
		}
	}
	if s.runsStorage() {
		s.buildDrive()
	}
	s.buildStatus()
	s.buildOutputs()

	s.log.Info("node assembled",
		logger.String("node", settings.Node.Name),
		logger.String("role", settings.Node.Role),
		logger.Bool("drive", s.coordinator != nil),
		logger.Bool("processing", s.processor != nil),
		logger.Bool("retention", s.retention != nil),
		logger.Bool("api", s.api != nil),
		logger.Bool("mqtt", s.publisher != nil))
	return s, nil
}

func (s *Service) runsStorage() bool {
	return s.settings.Node.Role != conf.RoleProcessing
}

func (s *Service) runsProcessing() bool {
	return s.settings.Node.Role != conf.RoleStorage
}

func (s *Service) buildProcessing() error {
	st := s.settings
	var err error

	if s.source, err = transfer.NewSource(&st.Transfer, st.Drive.Mountpoint); err != nil {
		return err
	}
	if s.agent, err = transfer.NewAgent(&st.Transfer, s.source, s.store, transfer.WithMetrics(s.metrics.Transfer)); err != nil {
		return err
	}

	if s.gallery, err = recognition.LoadGallery(st.Recognition.GalleryPath); err != nil {
		return err
	}
	if s.backend == nil {
		if s.backend, err = NewBackend(&st.Processing); err != nil {
			return err
		}
	}
	if s.decoder == nil {
		s.decoder = NewDecoder()
	}
	s.engine = recognition.NewEngine(s.backend, s.gallery, &st.Recognition)
	s.processor = processor.New(&st.Processing, s.store, s.decoder, s.engine,
		processor.WithMetrics(s.metrics.Processing),
		processor.WithSeenRecorder(s.gallery))

	if st.Retention.Enabled {
		s.retention, err = retention.NewManager(&st.Retention, st.Transfer.LocalDir, s.store,
			retention.WithMetrics(s.metrics.Retention))
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) buildDrive() {
	st := s.settings
	if s.gadget == nil {
		s.gadget = drive.NewConfigFSGadget(st.Drive.Gadget)
	}
	if s.mounter == nil {
		s.mounter = drive.NewSystemMounter(st.Drive.MountOptions)
	}

	opts := []drive.Option{
		drive.WithTransitionLog(s.store),
		drive.WithAlertSink(s.store),
		drive.WithMetrics(s.metrics.Drive),
	}
	switch {
	case s.pullsFromMount():
		opts = append(opts, drive.WithQuiescer(s.agent, st.Drive.QuiescenceTimeout))
	case st.Sync.PeerURL != "":
		// the processing node pulls over SFTP and is asked over its API
		s.peer = api.NewRemoteQuiescer(st.Sync.PeerURL, peerRequestTimeout)
		opts = append(opts, drive.WithQuiescer(s.peer, st.Drive.QuiescenceTimeout))
	}
	s.coordinator = drive.NewCoordinatorFromSettings(&st.Drive, s.gadget, s.mounter, opts...)
}

// pullsFromMount reports whether this host reads clips straight from the mount
func (s *Service) pullsFromMount() bool {
	return s.agent != nil && s.settings.Transfer.Source == conf.SourceLocal
}

func (s *Service) buildStatus() {
	opts := []status.Option{
		status.WithCatalog(s.store),
		status.WithHistory(s.settings.Status.TransitionHistory),
	}
	if s.coordinator != nil {
		opts = append(opts, status.WithModeSource(s.coordinator))
	}
	if s.processor != nil {
		opts = append(opts, status.WithQueue(s.processor))
	}
	if s.retention != nil {
		opts = append(opts, status.WithStorage(s.retention))
	}
	s.status = status.NewService(s.settings.Node.Name, s.settings.Node.Role, s.build, opts...)
}

func (s *Service) buildOutputs() {
	st := s.settings
	if st.API.Enabled {
		opts := []api.ServerOption{
			api.WithStatus(s.status),
			api.WithClips(s.store),
			api.WithMetrics(s.metrics),
			api.WithBuildInfo(s.build),
		}
		if s.coordinator != nil {
			opts = append(opts, api.WithModeSwitcher(s.coordinator))
		}
		if s.retention != nil {
			opts = append(opts, api.WithReconciler(s.retention))
		}
		if s.processor != nil {
			opts = append(opts, api.WithReprocessor(s.processor), api.WithGallery(s.gallery))
		}
		if s.agent != nil {
			opts = append(opts, api.WithTransfers(s.agent))
		}
		s.api = api.New(&st.API, opts...)
	}
	if st.MQTT.Enabled {
		client := mqtt.NewClient(&st.MQTT, s.metrics.MQTT)
		s.publisher = mqtt.NewPublisher(&st.MQTT, client, s.status)
		s.publisher.SetMetrics(s.metrics.MQTT)
	}
}

// Coordinator returns the drive coordinator, nil on processing nodes
func (s *Service) Coordinator() *drive.Coordinator { return s.coordinator }

// Catalog returns the processing catalog
func (s *Service) Catalog() *catalog.Store { return s.store }

// Status returns the status service
func (s *Service) Status() *status.Service { return s.status }

// Processor returns the clip processor, nil on storage nodes
func (s *Service) Processor() *processor.Processor { return s.processor }

// Metrics returns the node's Prometheus metrics
func (s *Service) Metrics() *observability.Metrics { return s.metrics }

// Run recovers the drive, starts the processor and runs every loop until ctx
// is cancelled. Components are released before Run returns.
func (s *Service) Run(ctx context.Context) error {
	defer s.close()

	if g, ok := s.gadget.(*drive.ConfigFSGadget); ok {
		if err := g.Setup(ctx); err != nil {
			s.log.Error("gadget setup failed", logger.Error(err))
		}
	}
	if s.coordinator != nil {
		// a failed recovery leaves transition_failure raised and is retried
		// by the first switch of the sync loop
		mode, err := s.coordinator.Recover(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			s.log.Error("drive recovery failed, node keeps running", logger.Error(err))
		} else {
			s.log.Info("drive mode recovered", logger.String("mode", string(mode)))
		}
	}
	if s.processor != nil {
		s.processor.Start(ctx)
		defer s.processor.Stop()
		if _, err := s.processor.Resume(ctx); err != nil {
			s.log.Warn("failed to resume unfinished clips", logger.Error(err))
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	if s.coordinator != nil || s.agent != nil {
		g.Go(func() error { return s.syncLoop(ctx) })
	}
	if s.retention != nil {
		g.Go(func() error { return s.retentionLoop(ctx) })
	}
	if s.publisher != nil {
		g.Go(func() error { return s.publisher.Run(ctx) })
	}
	if s.api != nil {
		g.Go(func() error { return s.api.Run(ctx) })
	}

	s.log.Info("node running", logger.String("role", s.settings.Node.Role))
	err := g.Wait()
	s.log.Info("node stopping", logger.Error(err))
	return err
}

// SyncOnce runs one sync cycle. A storage node enters server mode, lets the
// clips be pulled and returns to storage mode. A processing node only pulls.
func (s *Service) SyncOnce(ctx context.Context) error {
	if s.coordinator == nil {
		return s.pull(ctx)
	}

	if _, err := s.coordinator.Switch(ctx, drive.ModeServer); err != nil {
		return err
	}

	var cycleErr error
	if s.pullsFromMount() {
		cycleErr = s.pull(ctx)
	} else {
		s.log.Debug("server mode window open", logger.Duration("window", s.settings.Sync.Window))
		cycleErr = sleepCtx(ctx, s.settings.Sync.Window)
	}

	// the camera must get its drive back even when shutting down
	backCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx),
		s.settings.Drive.SwitchTimeout+s.settings.Drive.QuiescenceTimeout)
	defer cancel()
	if _, err := s.coordinator.Switch(backCtx, drive.ModeStorage); err != nil {
		return errors.Join(cycleErr, err)
	}
	return cycleErr
}

func (s *Service) pull(ctx context.Context) error {
	if s.agent == nil {
		return nil
	}
	discovered, transferred, err := s.agent.Cycle(ctx, s.processor)
	s.log.Info("transfer cycle finished",
		logger.Int("discovered", discovered),
		logger.Int("transferred", transferred),
		logger.Error(err))
	return err
}

func (s *Service) syncLoop(ctx context.Context) error {
	interval := max(s.settings.Sync.Interval, minSyncInterval)
	for {
		if err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			// a failed switch keeps its alert raised until the next success
			s.log.Error("sync cycle failed", logger.Error(err))
		}
		s.offerBacklog(ctx)
		if err := sleepCtx(ctx, interval); err != nil {
			return nil
		}
	}
}

// offerBacklog queues transferred clips the processor turned away earlier
func (s *Service) offerBacklog(ctx context.Context) {
	if s.processor == nil {
		return
	}
	if _, err := s.processor.Backlog(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("failed to queue processing backlog", logger.Error(err))
	}
}

func (s *Service) retentionLoop(ctx context.Context) error {
	interval := max(s.settings.Retention.Interval, minRetentionInterval)
	for {
		if _, err := s.retention.Run(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("retention run failed", logger.Error(err))
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return nil
		}
	}
}

// close releases components in reverse construction order
func (s *Service) close() {
	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			s.log.Warn("failed to close recognition backend", logger.Error(err))
		}
	} else if s.backend != nil {
		_ = s.backend.Close()
	}
	if s.peer != nil {
		s.peer.Close()
	}
	if c, ok := s.source.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.log.Warn("failed to close clip source", logger.Error(err))
		}
	}
	if s.gallery != nil && s.gallery.Path() != "" && s.gallery.Len() > 0 {
		// keeps detection counters and last seen times
		if err := s.gallery.Save(""); err != nil {
			s.log.Warn("failed to save gallery", logger.Error(err))
		}
	}
	if s.ownsStore && s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.Warn("failed to close catalog", logger.Error(err))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
