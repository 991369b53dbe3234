package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/myoscope/internal/device"
	"github.com/srg/myoscope/internal/devicefactory"
	"github.com/srg/myoscope/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for Myo armbands",
	Long: `Scan for Myo armbands in the vicinity and list their names, addresses
and signal strength, strongest first.

Armbands are recognised by a "myo" local name or the Myo service UUID
prefix. Use --all to list every BLE device instead.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanBackend   string
	scanAll       bool
	scanBlockList []string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default from config)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringVar(&scanBackend, "backend", "", "BLE backend (goble, tinygo)")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "List every BLE device, not only armbands")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
}

func runScan(cmd *cobra.Command, args []string) error {
	if !slices.Contains([]string{"table", "json"}, scanFormat) {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if scanBackend != "" {
		cfg.Backend = scanBackend
	}
	if scanDuration > 0 {
		cfg.ScanTimeout = scanDuration
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	link, err := devicefactory.New(cfg.Backend, logger)
	if err != nil {
		return err
	}
	s, err := scanner.NewScanner(link, logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress := NewCountdownProgressPrinter(os.Stdout, "Scanning for Myo armbands", "Scanning", cfg.ScanTimeout, "Processing results")
	progress.Start()
	defer progress.Stop()

	found, err := s.Scan(ctx, &scanner.ScanOptions{
		Duration:        cfg.ScanTimeout,
		DuplicateFilter: true,
		AllowNonMyo:     scanAll,
		BlockList:       scanBlockList,
	}, progress.Callback())
	progress.Stop()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Println("\nScan cancelled")
		}
		return err
	}

	if scanFormat == "json" {
		return displayDevicesJSON(os.Stdout, found)
	}
	return displayDevicesTable(os.Stdout, found)
}

func displayDevicesTable(out io.Writer, devices []device.Descriptor) error {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No armbands discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSIGNAL")
	fmt.Fprintln(w, strings.Repeat("-", 60))

	for _, d := range devices {
		name := d.Name
		if len(name) > 24 {
			name = name[:21] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\n", name, d.Address, d.RSSI, signalBars(d.RSSI))
	}
	return w.Flush()
}

// signalBars renders RSSI as a colored four-bar meter.
func signalBars(rssi int) string {
	var bars int
	var c *color.Color
	switch {
	case rssi >= -60:
		bars, c = 4, color.New(color.FgGreen)
	case rssi >= -70:
		bars, c = 3, color.New(color.FgGreen)
	case rssi >= -80:
		bars, c = 2, color.New(color.FgYellow)
	default:
		bars, c = 1, color.New(color.FgRed)
	}
	return c.Sprint(strings.Repeat("▮", bars) + strings.Repeat("▯", 4-bars))
}

func displayDevicesJSON(out io.Writer, devices []device.Descriptor) error {
	if devices == nil {
		devices = []device.Descriptor{}
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(devices)
}
