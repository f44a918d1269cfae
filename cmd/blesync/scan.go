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

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesync/internal/channel"
	"github.com/srg/blesync/internal/link/goble"
)

// peerScanner discovers advertising peers.
type peerScanner interface {
	Scan(ctx context.Context, opts goble.ScanOptions, onSighting func(goble.Sighting)) ([]goble.Sighting, error)
}

// scannerFactory builds the scanner used by the scan command.
var scannerFactory = func(logger *logrus.Logger) peerScanner {
	return goble.NewTransport(logger)
}

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for peers to select",
	Long: `Scans for advertising Bluetooth Low Energy peers and lists their addresses,
so one can be remembered with 'blesync select'.

The scan opens the Bluetooth adapter itself; on Linux stop the agent first.

Examples:
  # Scan for 10 seconds
  blesync scan

  # Only named peers advertising a given service, as JSON
  blesync scan --named --services 00000000-0000-0000-0000-00a57e401d05 --format json`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanServices []string
	scanNamed    bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 = until interrupted)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Only show peers advertising one of these service UUIDs")
	scanCmd.Flags().BoolVar(&scanNamed, "named", false, "Only show peers advertising a name")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}
	serviceIDs := make([]channel.ID, 0, len(scanServices))
	for _, s := range scanServices {
		id, err := channel.ParseID(s)
		if err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
		serviceIDs = append(serviceIDs, id)
	}

	logger, err := configureLogger(cmd, "", "")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	onSighting := func(s goble.Sighting) {}
	if scanFormat == "table" {
		fmt.Fprintln(out, "Scanning... (Ctrl+C to stop)")
		onSighting = func(s goble.Sighting) {
			fmt.Fprintf(out, "  found %s %s\n", s.Address, cyan.Sprint(displayName(s.Name)))
		}
	}

	sightings, err := scannerFactory(logger).Scan(ctx, goble.ScanOptions{
		Duration:   scanDuration,
		ServiceIDs: serviceIDs,
		NamedOnly:  scanNamed,
	}, onSighting)
	if err != nil {
		return err
	}

	if scanFormat == "json" {
		return writeSightingsJSON(out, sightings)
	}
	writeSightingsTable(out, sightings)
	return nil
}

func displayName(name string) string {
	if name == "" {
		return "(unnamed)"
	}
	return name
}

func writeSightingsTable(w io.Writer, sightings []goble.Sighting) {
	if len(sightings) == 0 {
		fmt.Fprintln(w, "No peers found")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\nADDRESS\tNAME\tRSSI\tSERVICES")
	for _, s := range sightings {
		services := make([]string, len(s.Services))
		for i, id := range s.Services {
			services[i] = id.Short()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.Address, displayName(s.Name), s.RSSI, strings.Join(services, ","))
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\nRemember one with: blesync select <address> [name]\n")
}

type sightingJSON struct {
	Address     string   `json:"address"`
	Name        string   `json:"name,omitempty"`
	RSSI        int      `json:"rssi"`
	Connectable bool     `json:"connectable"`
	Services    []string `json:"services,omitempty"`
}

func writeSightingsJSON(w io.Writer, sightings []goble.Sighting) error {
	out := make([]sightingJSON, 0, len(sightings))
	for _, s := range sightings {
		j := sightingJSON{Address: s.Address, Name: s.Name, RSSI: s.RSSI, Connectable: s.Connectable}
		for _, id := range s.Services {
			j.Services = append(j.Services, id.String())
		}
		out = append(out, j)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
