package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var watchVerbose bool

var watchCmd = &cobra.Command{
	Use:     "watch",
	Aliases: []string{"w"},
	Short:   "Recompile affected views on change and keep the snapshot current",
	Long: `Warm-start from the cache snapshot, then watch the view roots. Each change
recompiles the changed view and everything that depends on it, and the
snapshot is rewritten after every recompilation.

Examples:
  stencil watch
  stencil watch --verbose`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "Print every recompiled view")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, logger, eng, err := loadEngine()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.WarmFromFile(cfg.Cache.SnapshotPath); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}

	persister := newSnapshotPersister(eng, cfg.Cache.SnapshotPath, logger)
	persister.notify(nil)

	persistCtx, cancelPersist := context.WithCancel(context.Background())
	go persister.Run(persistCtx)
	defer func() {
		cancelPersist()
		persister.Wait()
	}()

	eng.OnRecompile(func(keys []string) {
		if watchVerbose {
			for _, key := range keys {
				fmt.Fprintf(out, "recompiled %s\n", key)
			}
			return
		}
		fmt.Fprintf(out, "recompiled %d view(s)\n", len(keys))
	})

	fmt.Fprintf(out, "Watching %v (Ctrl+C to stop)\n", eng.Loader().Roots())
	return eng.Watch(ctx, cfg.Watch.Debounce)
}
