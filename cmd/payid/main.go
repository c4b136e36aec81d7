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

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "payid",
		Short: "Payment terminal BLE reader",
		Long: `Discovers nearby payment terminals over Bluetooth Low Energy, connects
to one, enables its sensors and shows the values they report.

Readings can also be forwarded to an MQTT broker or to websocket clients.`,
		Version: formatVersion(version),
		// main() prints clean errors
		SilenceErrors: true,
	}
	root.SetVersionTemplate(fmt.Sprintf("payid %s (commit %s, built %s)\n", formatVersion(version), commit, date))

	root.PersistentFlags().String("config", "", "Path to a YAML config file")
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	root.Flags().BoolP("version", "v", false, "Show version information")

	root.AddCommand(newScanCmd())
	root.AddCommand(newWatchCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
