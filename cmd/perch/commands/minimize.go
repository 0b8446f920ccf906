package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dyluth/perch/internal/printer"
	"github.com/dyluth/perch/internal/replica"
)

var minimizeCmd = &cobra.Command{
	Use:   "minimize <tab-id>",
	Short: "Minimize a visible quick tab",
	Long: `Minimize a visible quick tab.

The tab's geometry is snapshotted before it is hidden so 'perch restore'
can put it back exactly where it was. Minimizing a tab that is not
currently visible is rejected.`,
	Args: cobra.ExactArgs(1),
	RunE: runMinimize,
}

func init() {
	rootCmd.AddCommand(minimizeCmd)
}

func runMinimize(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	return withEngine(ctx, func(engine *replica.Engine) error {
		tab, err := resolveTab(engine, args[0])
		if err != nil {
			return err
		}

		result := engine.Minimize(ctx, tab.ID)
		if !result.Success {
			return printer.Error(
				"minimize failed",
				result.Error,
				[]string{"Run 'perch list' to check the tab's current state"},
			)
		}

		printer.Success("Minimized tab %s\n", shortID(tab.ID))
		return nil
	})
}
