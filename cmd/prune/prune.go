// Package prune implements the prune command running a single retention
// sweep.
package prune

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trunkfeed/trunkfeed/internal/conf"
	"github.com/trunkfeed/trunkfeed/internal/datastore"
	"github.com/trunkfeed/trunkfeed/internal/logging"
	prunesvc "github.com/trunkfeed/trunkfeed/internal/prune"
)

// Command returns the prune subcommand.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Run one retention sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.ForService("prune-cmd")

			store := datastore.New(settings)
			if err := store.Open(); err != nil {
				return fmt.Errorf("opening datastore: %w", err)
			}
			defer store.Close()

			deleted, err := prunesvc.New(store, settings.Prune).Sweep(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("retention sweep complete", "deleted", deleted)
			return nil
		},
	}
}
