package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dyluth/perch/internal/printer"
	"github.com/dyluth/perch/internal/replica"
	"github.com/dyluth/perch/pkg/board"
)

var (
	moveLeft int
	moveTop  int
)

var moveCmd = &cobra.Command{
	Use:   "move <tab-id>",
	Short: "Move a quick tab to a new position",
	Args:  cobra.ExactArgs(1),
	RunE:  runMove,
}

func init() {
	moveCmd.Flags().IntVar(&moveLeft, "left", 0, "New left position")
	moveCmd.Flags().IntVar(&moveTop, "top", 0, "New top position")
	moveCmd.MarkFlagRequired("left")
	moveCmd.MarkFlagRequired("top")
	rootCmd.AddCommand(moveCmd)
}

func runMove(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	return withEngine(ctx, func(engine *replica.Engine) error {
		tab, err := resolveTab(engine, args[0])
		if err != nil {
			return err
		}

		if err := engine.Move(ctx, tab.ID, board.Point{Left: moveLeft, Top: moveTop}); err != nil {
			return err
		}

		printer.Success("Moved tab %s to %d,%d\n", shortID(tab.ID), moveLeft, moveTop)
		return nil
	})
}
