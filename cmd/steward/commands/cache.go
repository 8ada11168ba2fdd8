package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the resource listing cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Remove every cached listing from the configured backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			c, err := e.newCache(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Purge(ctx); err != nil {
				return fmt.Errorf("failed to purge cache: %w", err)
			}
			log.Info().Str("backend", e.cfg.Cache.Backend).Msg("Cache purged")
			return nil
		},
	})

	return cmd
}
