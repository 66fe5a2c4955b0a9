package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blinksync/syncbrain/cmd/gallery"
	"github.com/blinksync/syncbrain/cmd/mode"
	"github.com/blinksync/syncbrain/cmd/reconcile"
	"github.com/blinksync/syncbrain/cmd/reprocess"
	"github.com/blinksync/syncbrain/cmd/serve"
	"github.com/blinksync/syncbrain/cmd/status"
	"github.com/blinksync/syncbrain/cmd/stitch"
	"github.com/blinksync/syncbrain/internal/buildinfo"
	"github.com/blinksync/syncbrain/internal/conf"
)

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings, build *buildinfo.Context) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "syncbrain",
		Short:         "Blink Sync Module storage and face recognition node",
		Version:       build.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	if err := setupFlags(rootCmd, settings); err != nil {
		cobra.CheckErr(err)
	}

	rootCmd.AddCommand(
		serve.Command(settings, build),
		mode.Command(settings),
		status.Command(settings),
		reconcile.Command(settings),
		reprocess.Command(settings),
		gallery.Command(settings),
		stitch.Command(settings),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return conf.ValidateSettings(settings)
	}
	return rootCmd
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) error {
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")
	rootCmd.PersistentFlags().StringVar(&settings.Node.Role, "role", viper.GetString("node.role"), "Node role: storage, processing or combined")
	rootCmd.PersistentFlags().StringVar(&settings.API.Listen, "api", viper.GetString("api.listen"), "Address of the node API")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}
