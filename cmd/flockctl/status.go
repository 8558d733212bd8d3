package main

import (
	"fmt"
	"io"
	"time"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/protocol"
	"github.com/spf13/cobra"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the scanner's radios, battery and counters",
	Long: `Connects to the scanner, requests a status report and prints it.

Examples:
  # Auto-detect the scanner on USB
  flockctl status

  # Over BLE, as JSON
  flockctl status --ble 80:E1:26:11:22:33 -o json`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var statusFlags connectFlags

func init() {
	statusFlags.register(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	logger, cfg, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx := cmd.Context()
	c, err := connect(ctx, cmd, &statusFlags, cfg.ConnectTimeout, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	st, err := c.RequestStatus(ctx, cfg.StatusTimeout)
	if err != nil {
		return err
	}
	if wantJSON(cfg) {
		return printJSON(cmd.OutOrStdout(), st)
	}
	printStatus(cmd.OutOrStdout(), st)
	return nil
}

func printStatus(w io.Writer, st *protocol.StatusResponse) {
	fmt.Fprintf(w, "Protocol version: %d\n", st.ProtocolVersion)
	fmt.Fprintf(w, "Battery:          %d%%\n", st.BatteryPercent)
	fmt.Fprintf(w, "Uptime:           %s\n", time.Duration(st.UptimeSeconds)*time.Second)
	fmt.Fprintln(w, "Radios:")
	fmt.Fprintf(w, "  WiFi board: %s\n", yesNo(st.WifiBoardConnected))
	fmt.Fprintf(w, "  Sub-GHz:    %s\n", yesNo(st.SubGhzReady))
	fmt.Fprintf(w, "  BLE:        %s\n", yesNo(st.BleReady))
	fmt.Fprintf(w, "  IR:         %s\n", yesNo(st.IrReady))
	fmt.Fprintf(w, "  NFC:        %s\n", yesNo(st.NfcReady))
	fmt.Fprintln(w, "Counters:")
	fmt.Fprintf(w, "  WiFi scans:         %d\n", st.WifiScanCount)
	fmt.Fprintf(w, "  Sub-GHz detections: %d\n", st.SubGhzDetectionCount)
	fmt.Fprintf(w, "  BLE scans:          %d\n", st.BleScanCount)
	fmt.Fprintf(w, "  IR detections:      %d\n", st.IrDetectionCount)
	fmt.Fprintf(w, "  NFC detections:     %d\n", st.NfcDetectionCount)
	fmt.Fprintf(w, "  WIPS alerts:        %d\n", st.WipsAlertCount)
}
