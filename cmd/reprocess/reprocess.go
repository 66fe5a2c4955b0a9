// Package reprocess queues clips for another recognition run
package reprocess

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/blinksync/syncbrain/internal/api"
	"github.com/blinksync/syncbrain/internal/conf"
)

// Command creates the reprocess command
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reprocess <clip-id>...",
		Short: "Queue clips for reprocessing",
		Long:  "Resets the attempts of each clip and queues it again. Earlier results are kept.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(settings.API.Listen, 30*time.Second)
			defer client.Close()

			var failed int
			for _, id := range args {
				if err := client.Reprocess(cmd.Context(), id); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", id, err)
					failed++
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s queued\n", id)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d clip(s) not queued", failed, len(args))
			}
			return nil
		},
	}
	return cmd
}
