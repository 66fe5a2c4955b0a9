// Package mode switches the drive of a running node
package mode

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/blinksync/syncbrain/internal/api"
	"github.com/blinksync/syncbrain/internal/conf"
)

// Command creates the mode command
func Command(settings *conf.Settings) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:       "mode [storage|server]",
		Short:     "Show or switch the drive mode",
		Long:      "Without an argument prints the current drive mode. With one, switches the drive and waits for the outcome.",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"storage", "server"},
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(settings.API.Listen, timeout)
			defer client.Close()

			if len(args) == 0 {
				snap, err := client.Status(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), snap.Mode)
				return nil
			}

			t, err := client.SwitchMode(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("mode switch failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s: %s after %d attempt(s) in %s\n",
				t.From, t.Target, t.Outcome, t.Attempts, t.Duration)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "How long to wait for the switch")
	return cmd
}
