package printer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestError(t *testing.T) {
	t.Run("returns error with title", func(t *testing.T) {
		err := Error("Test Error", "This is a test error", []string{})
		require.Error(t, err)
		require.Equal(t, "Test Error", err.Error())
	})

	t.Run("returns error with title when including suggestions", func(t *testing.T) {
		err := Error("Test Error", "Explanation", []string{"Try this fix"})
		require.Error(t, err)
		require.Equal(t, "Test Error", err.Error())
	})

	t.Run("returns error with title for multiple suggestions", func(t *testing.T) {
		err := Error("Test Error", "Explanation", []string{
			"First option",
			"Second option",
		})
		require.Error(t, err)
		require.Equal(t, "Test Error", err.Error())
	})
}

func TestTable(t *testing.T) {
	t.Run("renders without panicking", func(t *testing.T) {
		Table([]string{"SLOT", "ID", "URL"}, [][]string{
			{"0", "a1b2c3d4", "https://example.com"},
			{"1", "e5f6a7b8", "https://example.org"},
		})
	})

	t.Run("handles empty rows", func(t *testing.T) {
		Table([]string{"SLOT", "ID"}, nil)
	})
}

// Note: The Error function prints formatted output to stderr with colors. The
// error object returned only contains the title for Cobra's error handling.
// This is intentional to avoid duplicate output while providing rich formatted errors.
