// Package commands implements the CLI commands for the layoutwcc daemon.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "layoutwccd",
	Short: "LayoutWCC - weak-cache-consistency propagation for pNFS mirrors",
	Long: `layoutwccd propagates post-write attribute state to the stale mirrors
of a pNFS layout. It keeps a bounded in-memory cache of per-mirror
acknowledgement state and exchanges LAYOUT_WCC messages with mirror
servers over persistent TCP connections.

Run with the responder enabled to answer LAYOUT_WCC requests on the
mirror side.

Use "layoutwccd [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/layoutwcc/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}
