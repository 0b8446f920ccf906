package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dyluth/perch/internal/printer"
	"github.com/dyluth/perch/internal/replica"
)

var restoreCmd = &cobra.Command{
	Use:   "restore <tab-id>",
	Short: "Restore a minimized quick tab",
	Long: `Restore a minimized quick tab to its pre-minimize geometry.

Restoring a tab that is not currently minimized is rejected.`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func init() {
	rootCmd.AddCommand(restoreCmd)
}

func runRestore(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	return withEngine(ctx, func(engine *replica.Engine) error {
		tab, err := resolveTab(engine, args[0])
		if err != nil {
			return err
		}

		result := engine.Restore(ctx, tab.ID)
		if !result.Success {
			return printer.Error(
				"restore failed",
				result.Error,
				[]string{"Run 'perch list' to check the tab's current state"},
			)
		}

		printer.Success("Restored tab %s\n", shortID(tab.ID))
		return nil
	})
}
