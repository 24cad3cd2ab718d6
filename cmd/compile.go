package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conneroisu/stencil/internal/config"
)

var compileNoSnapshot bool

var compileCmd = &cobra.Command{
	Use:     "compile",
	Aliases: []string{"c"},
	Short:   "Compile every view and write the cache snapshot",
	Long: `Load every template under the configured view roots, compile all of them
and write the cache snapshot. Compilation continues past failing views; the
command fails if any view did not compile.

Examples:
  stencil compile
  stencil compile --no-snapshot
  STENCIL_VIEWS_ROOTS=./views,./theme stencil compile`,
	Args: cobra.NoArgs,
	RunE: runCompile,
}

func init() {
	rootCmd.AddCommand(compileCmd)

	compileCmd.Flags().BoolVar(&compileNoSnapshot, "no-snapshot", false, "Don't write the cache snapshot")
}

func runCompile(cmd *cobra.Command, args []string) error {
	cfg, _, eng, err := loadEngine()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if details := config.ValidateConfigWithDetails(cfg); details.HasWarnings() {
		fmt.Fprint(cmd.ErrOrStderr(), details.String())
	}

	compileErr := eng.CompileAll()

	templates, views := eng.Store().Count()
	metrics := eng.Compiler().Metrics().GetSnapshot()
	fmt.Fprintf(out, "Compiled %d views from %d templates (%d failed) in %s\n",
		views, templates, metrics.FailedCompiles, metrics.TotalDuration)

	if !compileNoSnapshot {
		written, err := eng.SaveSnapshot(cfg.Cache.SnapshotPath)
		if err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}
		if written {
			fmt.Fprintf(out, "Snapshot written to %s\n", cfg.Cache.SnapshotPath)
		}
	}

	if compileErr != nil {
		return fmt.Errorf("compilation failed: %w", compileErr)
	}
	return nil
}
