// Devtrace captures browser performance telemetry from a device under test.
//
// Each phase drives the Python measurement harness against either a remote
// URL or an HTML payload served from this host through an adb reverse
// forward, and prints the harness's JSON document.
//
// Usage:
//
//	# List phases
//	devtrace phases
//
//	# Measure a page
//	devtrace run traceURL https://example.com
//
//	# Trace a local payload three times
//	devtrace run traceLayout page.html --opt iterations=3
//
//	# Serve phases to a pipeline engine
//	devtrace serve
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "devtrace",
	Short: "Capture browser performance telemetry from a device",
	Long: `devtrace drives the browser telemetry harness against a device under test.

Remote pages are measured directly. Local HTML payloads are served from this
host and reached by the device through an adb reverse forward that exists
only for the duration of the measurement.

Configuration is read from ~/.config/devtrace/config.{yaml,toml} (or --config)
and DEVTRACE_* environment variables.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (YAML or TOML)")
	rootCmd.SetVersionTemplate(versionString() + "\n")
	rootCmd.AddCommand(phasesCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func versionString() string {
	return fmt.Sprintf("devtrace %s (commit %s, built %s)", version, gitCommit, buildDate)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), versionString())
	},
}
