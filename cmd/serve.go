package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conneroisu/stencil/internal/server"
)

var serveFlags *ServerFlags

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Preview views over HTTP with live reload",
	Long: `Serve rendered views at /views/{key}. Query parameters become render tags.
When watching is enabled, changed templates are recompiled and connected
browsers reload.

Examples:
  stencil serve
  stencil serve --port 3000
  curl 'http://localhost:8080/views/Home/Index?user=Bob'`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveFlags = addServerFlags(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := bindChangedFlags(cmd.Flags(), map[string]string{
		"port": "server.port",
		"host": "server.host",
	}); err != nil {
		return err
	}

	cfg, logger, eng, err := loadEngine()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.WarmFromFile(cfg.Cache.SnapshotPath); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}

	srv := server.New(cfg, eng, logger)
	srv.InjectReload = !serveFlags.NoReload

	persister := newSnapshotPersister(eng, cfg.Cache.SnapshotPath, logger)
	persister.notify(nil)
	persistCtx, cancelPersist := context.WithCancel(context.Background())
	go persister.Run(persistCtx)
	defer func() {
		cancelPersist()
		persister.Wait()
	}()

	if cfg.Watch.Enabled {
		go func() {
			if err := eng.Watch(ctx, cfg.Watch.Debounce); err != nil {
				logger.Error(ctx, err, "watching view roots failed")
			}
		}()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Serving views at http://%s%s\n", cfg.Address(), server.ViewsPrefix)
	return srv.Start(ctx)
}
