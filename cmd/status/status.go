// Package status prints the status of a node
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/blinksync/syncbrain/internal/api"
	"github.com/blinksync/syncbrain/internal/catalog"
	"github.com/blinksync/syncbrain/internal/conf"
	nodestatus "github.com/blinksync/syncbrain/internal/status"
)

// Command creates the status command
func Command(settings *conf.Settings) *cobra.Command {
	var (
		asJSON  bool
		offline bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show node status",
		Long: `Show drive mode, recent transitions, clip counts, storage usage and alerts.
With --offline the catalog is read directly, for when the node is not running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				snap *nodestatus.Snapshot
				err  error
			)
			if offline {
				snap, err = offlineSnapshot(cmd, settings)
			} else {
				client := api.NewClient(settings.API.Listen, 10*time.Second)
				defer client.Close()
				snap, err = client.Status(cmd.Context())
			}
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			return printSnapshot(cmd.OutOrStdout(), snap)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON snapshot")
	cmd.Flags().BoolVar(&offline, "offline", false, "Read the catalog instead of asking the running node")
	return cmd
}

func offlineSnapshot(cmd *cobra.Command, settings *conf.Settings) (*nodestatus.Snapshot, error) {
	store, err := catalog.Open(&settings.Catalog)
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()

	svc := nodestatus.NewService(settings.Node.Name, settings.Node.Role, nil,
		nodestatus.WithCatalog(store),
		nodestatus.WithHistory(settings.Status.TransitionHistory))
	snap, err := svc.Snapshot(cmd.Context())
	if err != nil {
		return nil, err
	}
	// no coordinator runs here, show the mode the journal last reached
	if last, err := store.LastTransition(cmd.Context()); err == nil && last != nil {
		snap.Mode = string(last.Target) + " (last logged)"
	}
	return snap, nil
}

func printSnapshot(out io.Writer, s *nodestatus.Snapshot) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Node:\t%s (%s)\n", s.Node, s.Role)
	fmt.Fprintf(w, "Version:\t%s\n", s.Version)
	if s.Mode != "" {
		fmt.Fprintf(w, "Mode:\t%s\n", s.Mode)
	}
	if c := s.Counts; c != nil {
		fmt.Fprintf(w, "Clips:\t%d total, %d pending, %d transfer failed, %d unprocessed, %d processing, %d done, %d error\n",
			c.Total, c.Pending, c.TransferFailed, c.Unprocessed, c.Processing, c.Done, c.Error)
	}
	if q := s.Queue; q != nil {
		fmt.Fprintf(w, "Queue:\t%d queued, %d running, %d retrying\n", q.Queued, q.Running, q.Retrying)
	}
	if s.UsageFraction != nil {
		fmt.Fprintf(w, "Storage:\t%.1f%% used\n", *s.UsageFraction*100)
	}
	if st := s.Storage; st != nil {
		fmt.Fprintf(w, "Local clips:\t%d files, %d bytes, %d eligible for deletion\n", st.Files, st.Bytes, st.Eligible)
	}
	if len(s.Alerts) == 0 {
		fmt.Fprintf(w, "Alerts:\tnone\n")
	}
	for _, a := range s.Alerts {
		fmt.Fprintf(w, "Alert:\t%s %s\n", a.Kind, a.Detail)
	}
	for _, e := range s.Errors {
		fmt.Fprintf(w, "Unavailable:\t%s\n", e)
	}
	if len(s.Transitions) > 0 {
		fmt.Fprintf(w, "\nTransitions:\n")
		for _, t := range s.Transitions {
			fmt.Fprintf(w, "  %s\t%s -> %s\t%s\t%s\n",
				t.Timestamp.Local().Format(time.DateTime), t.From, t.Target, t.Outcome, t.Reason)
		}
	}
	return w.Flush()
}
