// Package reconcile runs retention on a running node
package reconcile

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/blinksync/syncbrain/internal/api"
	"github.com/blinksync/syncbrain/internal/conf"
)

// Command creates the reconcile command
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Apply the retention policy now",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(settings.API.Listen, time.Minute)
			defer client.Close()

			report, err := client.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			verb := "deleted"
			if report.DryRun {
				verb = "would delete"
			}
			fmt.Fprintf(out, "%s %d clip(s), %d bytes, usage %.1f%% -> %.1f%%\n",
				verb, len(report.Deleted), report.Freed, report.UsageBefore*100, report.UsageAfter*100)
			for _, d := range report.Deleted {
				fmt.Fprintf(out, "  %s (%s, %d bytes)\n", d.ClipID, d.Reason, d.Size)
			}
			if report.Critical {
				fmt.Fprintln(out, "storage is still over the usage limit")
			}
			return nil
		},
	}
	return cmd
}
