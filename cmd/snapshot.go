package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var snapshotOutput string

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Write the current cache snapshot",
	Long: `Bring the cache up to date with the view roots and write its snapshot to
stdout, or to a file with --output. The encoding follows cache.format.

Examples:
  stencil snapshot > cache.json
  stencil snapshot -o backup.msgpack`,
	Args: cobra.NoArgs,
	RunE: runSnapshot,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)

	snapshotCmd.Flags().StringVarP(&snapshotOutput, "output", "o", "", "Write to file instead of stdout")
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	cfg, _, eng, err := loadEngine()
	if err != nil {
		return err
	}

	if err := eng.WarmFromFile(cfg.Cache.SnapshotPath); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}

	data, err := eng.EncodeSnapshot()
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if snapshotOutput == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}

	if err := os.WriteFile(snapshotOutput, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Snapshot written to %s\n", snapshotOutput)
	return nil
}
