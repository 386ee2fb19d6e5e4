package main

import (
	"context"
	"time"

	"github.com/illmade-knight/go-fetchcache/pkg/cacheserver"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves cached snapshots read-only as JSON over HTTP until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			server := cacheserver.New(a.store, addr, a.logger)
			if err := server.Start(); err != nil {
				return err
			}
			<-cmd.Context().Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				a.logger.Error().Err(err).Msg("Cache server shutdown failed.")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}
