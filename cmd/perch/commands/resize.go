package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dyluth/perch/internal/printer"
	"github.com/dyluth/perch/internal/replica"
	"github.com/dyluth/perch/pkg/board"
)

var (
	resizeWidth  int
	resizeHeight int
)

var resizeCmd = &cobra.Command{
	Use:   "resize <tab-id>",
	Short: "Resize a quick tab",
	Args:  cobra.ExactArgs(1),
	RunE:  runResize,
}

func init() {
	resizeCmd.Flags().IntVar(&resizeWidth, "width", 0, "New width")
	resizeCmd.Flags().IntVar(&resizeHeight, "height", 0, "New height")
	resizeCmd.MarkFlagRequired("width")
	resizeCmd.MarkFlagRequired("height")
	rootCmd.AddCommand(resizeCmd)
}

func runResize(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	return withEngine(ctx, func(engine *replica.Engine) error {
		tab, err := resolveTab(engine, args[0])
		if err != nil {
			return err
		}

		if err := engine.Resize(ctx, tab.ID, board.Dimensions{Width: resizeWidth, Height: resizeHeight}); err != nil {
			return err
		}

		printer.Success("Resized tab %s to %dx%d\n", shortID(tab.ID), resizeWidth, resizeHeight)
		return nil
	})
}
