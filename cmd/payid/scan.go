package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/payid/internal/device"
	"github.com/srg/payid/internal/discovery"
)

type scanOptions struct {
	duration   time.Duration
	format     string
	namePrefix string
	minRSSI    int
}

func newScanCmd() *cobra.Command {
	opts := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for payment terminals",
		Long: `Scan for nearby payment terminals and list the ones that pass the
discovery filter: an advertised name with the configured prefix and a signal
stronger than the configured RSSI threshold.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, opts)
		},
	}

	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "Scan duration (default from config)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "table", "Output format (table, json)")
	cmd.Flags().StringVar(&opts.namePrefix, "prefix", "", "Override the device name prefix")
	cmd.Flags().IntVar(&opts.minRSSI, "min-rssi", 0, "Override the minimum RSSI in dBm")
	return cmd
}

func runScan(cmd *cobra.Command, opts *scanOptions) error {
	switch opts.format {
	case "table", "json":
	default:
		return fmt.Errorf("invalid format '%s': must be one of [table json]", opts.format)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := configureLogger(cmd, cfg)

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	filterOpts := cfg.FilterOptions()
	if opts.namePrefix != "" {
		filterOpts.NamePrefix = opts.namePrefix
	}
	if cmd.Flags().Changed("min-rssi") {
		filterOpts.MinRSSI = opts.minRSSI
	}
	discoveryOpts := cfg.DiscovererOptions()
	if opts.duration > 0 {
		discoveryOpts.ScanWindow = opts.duration
	}

	s, err := newScanner(logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}
	d, err := discovery.NewDiscoverer(s, discovery.NewFilter(filterOpts, logger), discoveryOpts, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress := NewProgressPrinter(cmd.OutOrStdout())
	progress.Show("Scanning for payment terminals")
	if err := d.Start(ctx); err != nil {
		progress.Dismiss()
		return err
	}
	err = d.Wait()
	progress.Dismiss()
	if err != nil {
		logger.WithError(err).Error("scan failed")
		return err
	}

	return displayDevices(cmd.OutOrStdout(), d.Devices(), opts.format, time.Now())
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func displayDevices(w io.Writer, devs []device.Device, format string, now time.Time) error {
	if format == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if devs == nil {
			devs = []device.Device{}
		}
		return encoder.Encode(devs)
	}

	if len(devs) == 0 {
		fmt.Fprintln(w, "No payment terminals discovered")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tRSSI\tLAST SEEN")
	fmt.Fprintln(tw, strings.Repeat("-", 60))
	for _, dev := range devs {
		name := dev.DisplayName()
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		lastSeen := now.Sub(dev.LastSeen).Truncate(time.Second)
		fmt.Fprintf(tw, "%s\t%s\t%d dBm\t%s ago\n", name, dev.Address, dev.RSSI, lastSeen)
	}
	return tw.Flush()
}
