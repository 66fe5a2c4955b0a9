// Package stitch joins the clips of each motion event into one video
package stitch

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/blinksync/syncbrain/internal/catalog"
	"github.com/blinksync/syncbrain/internal/conf"
	"github.com/blinksync/syncbrain/internal/recognition/opencv"
	"github.com/blinksync/syncbrain/internal/stitch"
)

// Command creates the stitch command
func Command(settings *conf.Settings) *cobra.Command {
	var (
		since    time.Duration
		until    time.Duration
		gap      time.Duration
		minClips int
		outDir   string
	)

	cmd := &cobra.Command{
		Use:   "stitch",
		Short: "Join the clips of each motion event into one video",
		Long: `Reads transferred clips from the catalog and writes one video per event.
Clips recorded less than --gap apart belong to the same event.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if outDir == "" {
				return fmt.Errorf("--out is required")
			}
			store, err := catalog.Open(&settings.Catalog)
			if err != nil {
				return err
			}
			defer store.Close()

			now := time.Now()
			opts := stitch.Options{
				Since:    now.Add(-since),
				Gap:      gap,
				MinClips: minClips,
				OutDir:   outDir,
			}
			if until > 0 {
				opts.Until = now.Add(-until)
			}

			outputs, err := stitch.New(store, opencv.NewConcatenator()).Run(cmd.Context(), opts)
			for _, out := range outputs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d clip(s), %d frame(s)\n", out.Path, len(out.Event.Clips), out.Frames)
				for _, skipped := range out.Skipped {
					fmt.Fprintf(cmd.ErrOrStderr(), "  skipped %s\n", skipped)
				}
			}
			if len(outputs) == 0 && err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no events to stitch")
			}
			return err
		},
	}

	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "Stitch clips discovered within this long ago")
	cmd.Flags().DurationVar(&until, "until", 0, "Ignore clips discovered within this long ago")
	cmd.Flags().DurationVar(&gap, "gap", stitch.DefaultGap, "Largest pause between clips of one event")
	cmd.Flags().IntVar(&minClips, "min-clips", stitch.DefaultMinClips, "Fewest clips an event needs to be stitched")
	cmd.Flags().StringVar(&outDir, "out", "", "Directory for the stitched videos")
	return cmd
}
