// Package cmd assembles the command line interface.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/trunkfeed/trunkfeed/cmd/prune"
	"github.com/trunkfeed/trunkfeed/cmd/serve"
	"github.com/trunkfeed/trunkfeed/internal/conf"
)

// RootCommand creates and returns the root command.
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "trunkfeed",
		Short: "Radio transmission ingest and fan-out pipeline",
	}

	setupFlags(rootCmd, settings)

	rootCmd.AddCommand(
		serve.Command(settings),
		prune.Command(settings),
	)

	return rootCmd
}

func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) {
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")
	rootCmd.PersistentFlags().StringVar(&settings.Web.Address, "address", viper.GetString("web.address"), "HTTP listen address")
	rootCmd.PersistentFlags().StringVar(&settings.Datastore.Path, "database", viper.GetString("datastore.path"), "SQLite database path")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		cobra.CheckErr(fmt.Errorf("error binding flags: %w", err))
	}
}
