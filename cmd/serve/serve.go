// Package serve runs a syncbrain node
package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blinksync/syncbrain/internal/buildinfo"
	"github.com/blinksync/syncbrain/internal/conf"
	"github.com/blinksync/syncbrain/internal/drive"
	"github.com/blinksync/syncbrain/internal/logger"
	"github.com/blinksync/syncbrain/internal/service"
	"github.com/blinksync/syncbrain/internal/telemetry"
)

const telemetryFlushTimeout = 2 * time.Second

// Command creates the serve command
func Command(settings *conf.Settings, build *buildinfo.Context) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node",
		Long: `Run the node for its configured role. A storage node switches the drive
between the camera and the host on a schedule, a processing node transfers
and recognises clips, a combined node does both.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, settings, build, dryRun)
		},
	}

	if err := setupFlags(cmd, settings, &dryRun); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}
	return cmd
}

func setupFlags(cmd *cobra.Command, settings *conf.Settings, dryRun *bool) error {
	cmd.Flags().DurationVar(&settings.Sync.Interval, "interval", viper.GetDuration("sync.interval"), "Time between sync cycles")
	cmd.Flags().IntVar(&settings.Processing.Concurrency, "concurrency", viper.GetInt("processing.concurrency"), "Clips processed at once")
	cmd.Flags().BoolVar(&settings.API.Enabled, "api-enabled", viper.GetBool("api.enabled"), "Serve the status and override API")
	cmd.Flags().BoolVar(&settings.MQTT.Enabled, "mqtt", viper.GetBool("mqtt.enabled"), "Publish status to MQTT")
	cmd.Flags().BoolVar(dryRun, "dry-run", false, "Simulate the USB gadget and the mount")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}

func run(ctx context.Context, settings *conf.Settings, build *buildinfo.Context, dryRun bool) error {
	log := logger.Global().Module("main")

	if err := telemetry.InitSentry(settings, build, nil); err != nil {
		log.Warn("failed to initialize telemetry", logger.Error(err))
	}
	defer telemetry.Flush(telemetryFlushTimeout)

	var opts []service.Option
	if dryRun {
		host := drive.NewFakeHost(false, false)
		opts = append(opts, service.WithDriveHost(host.Gadget(), host.Mounter()))
		log.Warn("dry run: gadget and mount are simulated")
	}

	svc, err := service.New(settings, build, opts...)
	if err != nil {
		return err
	}
	log.Info("starting syncbrain",
		logger.String("version", build.GetVersion()),
		logger.String("node_id", build.GetNodeID()),
		logger.String("role", settings.Node.Role))
	return svc.Run(ctx)
}
