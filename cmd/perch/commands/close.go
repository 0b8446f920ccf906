package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dyluth/perch/internal/printer"
	"github.com/dyluth/perch/internal/replica"
)

var closeCmd = &cobra.Command{
	Use:   "close <tab-id>",
	Short: "Close a quick tab",
	Long: `Close a quick tab, removing it from every context.

Closing is idempotent: closing a tab that was already destroyed succeeds
without side effects.`,
	Args: cobra.ExactArgs(1),
	RunE: runClose,
}

func init() {
	rootCmd.AddCommand(closeCmd)
}

func runClose(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	return withEngine(ctx, func(engine *replica.Engine) error {
		tab, err := resolveTab(engine, args[0])
		if err != nil {
			return err
		}

		result := engine.Close(ctx, tab.ID)
		if !result.Success {
			return printer.Error(
				"close failed",
				result.Error,
				[]string{"Run 'perch list' to check the tab's current state"},
			)
		}

		if result.Note != "" {
			printer.Info("Tab %s was %s\n", shortID(tab.ID), result.Note)
			return nil
		}

		printer.Success("Closed tab %s\n", shortID(tab.ID))
		return nil
	})
}
