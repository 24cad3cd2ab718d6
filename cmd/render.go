package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conneroisu/stencil/internal/errors"
)

var (
	renderTags  tagsValue
	renderFresh bool
)

var renderCmd = &cobra.Command{
	Use:     "render KEY",
	Aliases: []string{"r"},
	Short:   "Render one view",
	Long: `Render the view KEY (for example Home/Index) and print the result.

The cache snapshot is used when present; views whose templates changed since
it was written are recompiled first. Tags fill {{name}}, {|name|} and {!name!}
markers; missing tags render empty.

Examples:
  stencil render Home/Index
  stencil render Home/Index --tag user=Bob --tag title="Hello there"
  stencil render Shared/Fragment/Card -t title=News --fresh`,
	Args: cobra.ExactArgs(1),
	RunE: runRender,
}

func init() {
	rootCmd.AddCommand(renderCmd)

	renderCmd.Flags().VarP(&renderTags, "tag", "t", "Render tag as name=value (repeatable)")
	renderCmd.Flags().BoolVar(&renderFresh, "fresh", false, "Ignore the cache snapshot and compile everything")
}

func runRender(cmd *cobra.Command, args []string) error {
	cfg, _, eng, err := loadEngine()
	if err != nil {
		return err
	}
	key := args[0]

	if renderFresh {
		err = eng.CompileAll()
	} else {
		err = eng.WarmFromFile(cfg.Cache.SnapshotPath)
	}
	if err != nil {
		// Other views may have failed; the requested one can still render
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}

	result, ok := eng.Render(key, renderTags)
	if !ok {
		return errors.NewNotFoundError(key)
	}
	fmt.Fprintln(cmd.OutOrStdout(), result)

	if !renderFresh {
		if _, err := eng.SaveSnapshot(cfg.Cache.SnapshotPath); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: failed to update snapshot: %v\n", err)
		}
	}
	return nil
}
