// Package gallery manages the known identities offline
package gallery

import (
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/blinksync/syncbrain/internal/conf"
	"github.com/blinksync/syncbrain/internal/recognition"
	"github.com/blinksync/syncbrain/internal/service"
)

// Command creates the gallery command and its subcommands
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gallery",
		Short: "Manage known identities",
		Long:  "Manage the gallery file. Changes are picked up when the node restarts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("please specify a subcommand: build, add, list, remove, threshold or validate")
		},
	}

	cmd.AddCommand(
		buildCommand(settings),
		addCommand(settings),
		listCommand(settings),
		removeCommand(settings),
		thresholdCommand(settings),
		validateCommand(settings),
	)
	return cmd
}

func buildCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "build <dir>",
		Short: "Add references from a directory of images",
		Long: `Add one reference per image. Images in a subdirectory belong to the identity
named after it, images at the top level are named after their file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(settings, func(g *recognition.Gallery, backend recognition.Backend) error {
				report, err := recognition.BuildFromDirectory(cmd.Context(), args[0], g, backend)
				if err != nil {
					return err
				}
				names := make([]string, 0, len(report.Added))
				for name := range report.Added {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d reference(s)\n", name, report.Added[name])
				}
				for _, path := range report.Skipped {
					fmt.Fprintf(cmd.ErrOrStderr(), "skipped, no face: %s\n", path)
				}
				return nil
			})
		},
	}
}

func addCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "add <name> <image>...",
		Short: "Add reference images for one identity",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(settings, func(g *recognition.Gallery, backend recognition.Backend) error {
				for _, path := range args[1:] {
					if err := recognition.AddImage(cmd.Context(), g, backend, args[0], path); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d reference(s) added\n", args[0], len(args)-1)
				return nil
			})
		},
	}
}

func listCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List identities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := recognition.LoadGallery(settings.Recognition.GalleryPath)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tREFERENCES\tTHRESHOLD\tDETECTIONS\tLAST SEEN")
			for _, s := range g.Stats() {
				threshold, seen := "default", "never"
				if s.Threshold > 0 {
					threshold = fmt.Sprintf("%.2f", s.Threshold)
				}
				if s.LastSeen != nil {
					seen = s.LastSeen.Local().Format(time.DateTime)
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\n", s.Name, s.References, threshold, s.DetectionCount, seen)
			}
			return w.Flush()
		},
	}
}

func removeCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := recognition.LoadGallery(settings.Recognition.GalleryPath)
			if err != nil {
				return err
			}
			if !g.Remove(args[0]) {
				return fmt.Errorf("identity %q not found", args[0])
			}
			return g.Save("")
		},
	}
}

func thresholdCommand(settings *conf.Settings) *cobra.Command {
	var threshold float64
	cmd := &cobra.Command{
		Use:   "threshold <name>",
		Short: "Set a per-identity match threshold, 0 uses the global one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := recognition.LoadGallery(settings.Recognition.GalleryPath)
			if err != nil {
				return err
			}
			if err := g.SetThreshold(args[0], threshold); err != nil {
				return err
			}
			return g.Save("")
		},
	}
	cmd.Flags().Float64Var(&threshold, "value", 0, "Similarity threshold between 0 and 1")
	return cmd
}

func validateCommand(settings *conf.Settings) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the gallery file for consistency",
		Long: `Report problems in the gallery file: duplicate or reserved names, empty,
zero or mismatched embeddings, thresholds outside 0..1, and references of
different identities too close to tell apart. Exits non-zero on errors.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := recognition.ValidateGalleryFile(settings.Recognition.GalleryPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "%s: %d identities, %d references, dimension %d\n",
					report.Path, report.Identities, report.References, report.Dimension)
				for _, i := range report.Errors {
					fmt.Fprintf(out, "error   %s\n", issueLine(i))
				}
				for _, i := range report.Warnings {
					fmt.Fprintf(out, "warning %s\n", issueLine(i))
				}
			}
			if !report.Valid {
				return fmt.Errorf("gallery has %d error(s)", len(report.Errors))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}

func issueLine(i recognition.ValidationIssue) string {
	if i.Identity == "" {
		return i.Message
	}
	return i.Identity + ": " + i.Message
}

// withBackend loads the gallery and the recognition backend, runs fn and
// saves the gallery when fn succeeds.
func withBackend(settings *conf.Settings, fn func(*recognition.Gallery, recognition.Backend) error) error {
	g, err := recognition.LoadGallery(settings.Recognition.GalleryPath)
	if err != nil {
		return err
	}
	backend, err := service.NewBackend(&settings.Processing)
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	if err := fn(g, backend); err != nil {
		return err
	}
	return g.Save("")
}
