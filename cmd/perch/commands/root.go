package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string

	// Global flags
	rootConfigPath string
	rootInstance   string
	rootScope      string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "perch",
	Short: "Perch - Replicated quick tab overlay manager",
	Long: `Perch keeps a collection of quick tabs (floating overlay panels) in sync
across every context attached to the same instance.

Each tab moves through an explicit lifecycle, local operations broadcast to
peers over Redis Pub/Sub, and a background authority daemon merges batched
operations into the durable collection.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", "", "Path to perch.yml (defaults used if omitted)")
	rootCmd.PersistentFlags().StringVar(&rootInstance, "instance", "", "Instance name (env PERCH_INSTANCE_NAME)")
	rootCmd.PersistentFlags().StringVar(&rootScope, "scope", "", "Scope identifier (env PERCH_SCOPE)")
}
