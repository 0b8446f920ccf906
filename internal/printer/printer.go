// Package printer formats CLI output: colored status lines and tabular
// listings.
package printer

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

func init() {
	// Force color output even when not connected to TTY
	// Users can disable with NO_COLOR environment variable
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

// Success prints a success message in green with a checkmark prefix.
func Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		green.Printf("✓ %s", msg)
	} else {
		green.Print(msg)
	}
}

// Info prints an informational message in the default color.
func Info(format string, a ...any) {
	fmt.Printf(format, a...)
}

// Warning prints a warning message in yellow with a warning emoji prefix.
func Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		yellow.Printf("⚠️  %s", msg)
	} else {
		yellow.Print(msg)
	}
}

// Error creates a formatted error message with title, explanation, and
// suggestions. Prints to stderr with colors and returns a simple error for
// Cobra (not printed again because of SilenceErrors).
func Error(title string, explanation string, suggestions []string) error {
	red.Fprintf(os.Stderr, "%s\n\n", title)

	fmt.Fprintf(os.Stderr, "%s\n", explanation)

	if len(suggestions) > 0 {
		fmt.Fprintf(os.Stderr, "\n")
		if len(suggestions) == 1 {
			fmt.Fprintf(os.Stderr, "%s\n", suggestions[0])
		} else {
			fmt.Fprintf(os.Stderr, "Either:\n")
			for i, suggestion := range suggestions {
				fmt.Fprintf(os.Stderr, "  %d. %s\n", i+1, suggestion)
			}
		}
	}

	return fmt.Errorf("%s", title)
}

// Step prints a step message with emphasis (used in multi-step operations).
func Step(format string, a ...any) {
	cyan.Printf("→ %s", fmt.Sprintf(format, a...))
}

// Println prints a plain message (for output that doesn't need coloring).
func Println(a ...any) {
	fmt.Println(a...)
}

// Printf prints a plain formatted message (for output that doesn't need coloring).
func Printf(format string, a ...any) {
	fmt.Printf(format, a...)
}

// Table renders rows under a header to stdout.
func Table(header []string, rows [][]string) {
	table := tablewriter.NewWriter(os.Stdout)

	cells := make([]any, len(header))
	for i, h := range header {
		cells[i] = h
	}
	table.Header(cells...)

	for _, row := range rows {
		if err := table.Append(row); err != nil {
			Printf("%s\n", strings.Join(row, "  "))
		}
	}

	if err := table.Render(); err != nil {
		// Degrade to plain rows rather than lose the listing.
		for _, row := range rows {
			Printf("%s\n", strings.Join(row, "  "))
		}
	}
}
