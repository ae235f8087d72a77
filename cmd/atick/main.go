package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// newRootCmd builds the command tree. Each call returns fresh flag state.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "atick",
		Short: "aTick BLE water meter tool",
		Long: `Command-line tool for aTick Bluetooth Low Energy water meters:

- Scan for meters and decode their advertised counters
- Decode a captured manufacturer payload offline
- Read counters, ratios and device information over GATT
- Write raw register values
- Watch a set of meters, combining passive advertisements with active polls

Meters advertise two obfuscated counters; decoding needs the meter PIN
(default ` + "123456" + `) and its hardware address.`,
		Version: formatVersion(version),
		// Silence Cobra's "Error:" prefix - main() prints clean errors
		SilenceErrors: true,
	}
	rootCmd.SetVersionTemplate(fmt.Sprintf("atick {{.Version}} (commit %s, built %s)\n", commit, date))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("config", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	rootCmd.AddCommand(newScanCmd())
	rootCmd.AddCommand(newDecodeCmd())
	rootCmd.AddCommand(newReadCmd())
	rootCmd.AddCommand(newWriteCmd())
	rootCmd.AddCommand(newWatchCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
