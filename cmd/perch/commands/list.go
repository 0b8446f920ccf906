package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/perch/internal/printer"
	"github.com/dyluth/perch/internal/replica"
	"github.com/dyluth/perch/pkg/board"
)

var (
	listJSON bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the quick tabs in the current scope",
	Long: `List the quick tabs in the current scope, sorted by slot.

For each tab, displays:
  • Slot and ID
  • Embedded URL
  • Geometry (position and size)
  • Lifecycle state

Use --json for machine-readable output.`,
	RunE: runList,
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	return withEngine(ctx, func(engine *replica.Engine) error {
		tabs := engine.List()

		if len(tabs) == 0 {
			if listJSON {
				fmt.Println("[]")
			} else {
				fmt.Println("No quick tabs in this scope.")
				fmt.Println()
				fmt.Println("Run 'perch create --url <url>' to open one.")
			}
			return nil
		}

		if listJSON {
			data, err := json.MarshalIndent(tabs, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal tabs: %w", err)
			}
			fmt.Println(string(data))
			return nil
		}

		rows := make([][]string, 0, len(tabs))
		for _, tab := range tabs {
			rows = append(rows, []string{
				fmt.Sprintf("%d", tab.Slot),
				shortID(tab.ID),
				truncate(tab.EmbeddedURL, 40),
				fmt.Sprintf("%d,%d %dx%d", tab.Left, tab.Top, tab.Width, tab.Height),
				tabState(tab),
			})
		}
		printer.Table([]string{"SLOT", "ID", "URL", "GEOMETRY", "STATE"}, rows)
		return nil
	})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	if len(s) > max {
		return "..." + s[len(s)-(max-3):]
	}
	return s
}

func tabState(tab *board.QuickTab) string {
	if tab.LifecycleState != "" {
		return string(tab.LifecycleState)
	}
	if tab.Minimized {
		return string(board.StateMinimized)
	}
	return string(board.StateVisible)
}
