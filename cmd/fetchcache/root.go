package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/illmade-knight/go-fetchcache/pkg/chrono"
	"github.com/illmade-knight/go-fetchcache/pkg/config"
	"github.com/illmade-knight/go-fetchcache/pkg/snapshot"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const (
	exitOK          = 0
	exitError       = 1
	exitInterrupted = 130
)

// app carries what every subcommand needs once the root command has run.
type app struct {
	cfg    config.Config
	logger zerolog.Logger
	store  *snapshot.Store
	clock  chrono.Clock
	out    io.Writer
	errOut io.Writer
}

func newRootCmd(a *app) *cobra.Command {
	var cacheDir, logLevel string

	root := &cobra.Command{
		Use:           "fetchcache",
		Short:         "fetchcache fetches remote tables into a versioned local cache.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cacheDir != "" {
				cfg.CacheDir = cacheDir
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			a.cfg = cfg
			a.logger = config.NewLogger(cfg, a.errOut)

			clock, err := chrono.NewClock(cfg.Timezone)
			if err != nil {
				return err
			}
			a.clock = clock
			a.store, err = snapshot.NewStore(cfg.CacheDir, a.logger, snapshot.WithClock(clock))
			return err
		},
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	root.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "cache root directory (default: $FETCHCACHE_CACHE_DIR or the user cache directory)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (default: $FETCHCACHE_LOG_LEVEL or info)")

	root.AddCommand(
		newLsCmd(a),
		newShowCmd(a),
		newCleanCmd(a),
		newFetchJSONCmd(a),
		newArchiveCmd(a),
		newExportCmd(a),
		newServeCmd(a),
	)
	return root
}

// run executes the CLI and maps the outcome to a process exit code.
func run(ctx context.Context, args []string, out, errOut io.Writer) int {
	a := &app{out: out, errOut: errOut, logger: zerolog.Nop()}
	root := newRootCmd(a)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, context.Canceled):
		_, _ = fmt.Fprintln(errOut, "interrupted")
		return exitInterrupted
	case errors.Is(err, snapshot.ErrNotFound):
		_, _ = fmt.Fprintf(errOut, "nothing cached: %v\n", err)
		return exitError
	default:
		_, _ = fmt.Fprintf(errOut, "error: %v\n", err)
		return exitError
	}
}
