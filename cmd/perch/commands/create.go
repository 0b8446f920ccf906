package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dyluth/perch/internal/printer"
	"github.com/dyluth/perch/internal/replica"
	"github.com/dyluth/perch/pkg/board"
)

var (
	createSourceURL   string
	createEmbeddedURL string
	createLeft        int
	createTop         int
	createWidth       int
	createHeight      int
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new quick tab",
	Long: `Create a new quick tab in the current scope.

The tab is assigned the lowest unused slot, placed on top of the z-order,
persisted, and announced to every peer context.

Examples:
  # Create a tab with default geometry
  perch create --url https://example.com/doc

  # Create a tab at a specific position and size
  perch create --url https://example.com/doc --left 120 --top 80 --width 480 --height 360`,
	RunE: runCreate,
}

func init() {
	createCmd.Flags().StringVarP(&createEmbeddedURL, "url", "u", "", "URL to embed in the tab (required)")
	createCmd.Flags().StringVar(&createSourceURL, "source", "", "Page the tab was created from")
	createCmd.Flags().IntVar(&createLeft, "left", 100, "Initial left position")
	createCmd.Flags().IntVar(&createTop, "top", 100, "Initial top position")
	createCmd.Flags().IntVar(&createWidth, "width", 400, "Initial width")
	createCmd.Flags().IntVar(&createHeight, "height", 300, "Initial height")
	createCmd.MarkFlagRequired("url")
	rootCmd.AddCommand(createCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	return withEngine(ctx, func(engine *replica.Engine) error {
		tab, err := engine.CreateTab(ctx, createSourceURL, createEmbeddedURL,
			board.Point{Left: createLeft, Top: createTop},
			board.Dimensions{Width: createWidth, Height: createHeight})
		if err != nil {
			return err
		}

		printer.Success("Created tab %s (slot %d)\n", tab.ID, tab.Slot)
		return nil
	})
}
