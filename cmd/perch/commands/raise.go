package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dyluth/perch/internal/printer"
	"github.com/dyluth/perch/internal/replica"
)

var raiseCmd = &cobra.Command{
	Use:   "raise <tab-id>",
	Short: "Bring a quick tab to the front",
	Args:  cobra.ExactArgs(1),
	RunE:  runRaise,
}

func init() {
	rootCmd.AddCommand(raiseCmd)
}

func runRaise(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	return withEngine(ctx, func(engine *replica.Engine) error {
		tab, err := resolveTab(engine, args[0])
		if err != nil {
			return err
		}

		if err := engine.Raise(ctx, tab.ID); err != nil {
			return err
		}

		printer.Success("Raised tab %s\n", shortID(tab.ID))
		return nil
	})
}
