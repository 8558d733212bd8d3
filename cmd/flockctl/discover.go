package main

import (
	"fmt"
	"time"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/devicefactory"
	"github.com/spf13/cobra"
)

// discoverCmd represents the discover command
var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find scanners advertising over BLE",
	Long: `Scans for BLE advertisements that carry the scanner's serial or CLI
service, or a Flipper name, and prints one line per device.

Examples:
  flockctl discover
  flockctl discover --duration 15s -o json`,
	Args: cobra.NoArgs,
	RunE: runDiscover,
}

var discoverDuration time.Duration

func init() {
	discoverCmd.Flags().DurationVarP(&discoverDuration, "duration", "d", 0, "Scan duration (default 5s)")
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	logger, cfg, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	d := cfg.DiscoverTime
	if discoverDuration > 0 {
		d = discoverDuration
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Scanning for %s...\n", d)

	found, err := devicefactory.Discover(cmd.Context(), d, logger)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if wantJSON(cfg) {
		return printJSON(out, found)
	}
	if len(found) == 0 {
		fmt.Fprintln(out, "No scanners found")
		return nil
	}
	for _, adv := range found {
		name := adv.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(out, "%-20s %4d dBm  %s\n", adv.Address, adv.RSSI, name)
	}
	return nil
}
