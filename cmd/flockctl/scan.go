package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/config"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/detection"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/scheduler"
	"github.com/spf13/cobra"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan <type>",
	Short: "Trigger one scan and print what it finds",
	Long: `Triggers a single manual scan and prints the detections that arrive
within --duration.

Types: wifi, subghz, ble, ir, nfc

Examples:
  # One WiFi scan over USB
  flockctl scan wifi

  # Sub-GHz sweep of the 433 MHz band, waiting 20s for results
  flockctl scan subghz --from 433000000 --to 435000000 --duration 20s`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"wifi", "subghz", "ble", "ir", "nfc"},
	RunE:      runScan,
}

var (
	scanFlags    connectFlags
	scanDuration time.Duration
	scanFrom     int64
	scanTo       int64
)

func init() {
	scanFlags.register(scanCmd)
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "How long to wait for results")
	scanCmd.Flags().Int64Var(&scanFrom, "from", 0, "Sub-GHz sweep start in Hz (default from settings)")
	scanCmd.Flags().Int64Var(&scanTo, "to", 0, "Sub-GHz sweep end in Hz (default from settings)")
}

func runScan(cmd *cobra.Command, args []string) error {
	scanType, err := scheduler.ParseScanType(args[0])
	if err != nil {
		return err
	}
	settings := config.Default()
	if scanFrom != 0 {
		settings.SubGhzRange.Start = scanFrom
	}
	if scanTo != 0 {
		settings.SubGhzRange.End = scanTo
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	logger, cfg, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx := cmd.Context()
	c, err := connect(ctx, cmd, &scanFlags, cfg.ConnectTimeout, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	sub := c.Subscribe(0)
	defer sub.Close()

	var sink detection.AlertSink = detection.NewConsoleSink(cmd.OutOrStdout())
	if wantJSON(cfg) {
		sink = jsonSink{cmd: cmd}
	}
	pipeline := detection.NewPipeline(nil, sink, detection.PipelineConfig{}, logger)

	sched := scheduler.New(c, settings, scheduler.Config{}, logger)
	defer sched.Close()
	if err := sched.TryManualScan(scanType); err != nil {
		return fmt.Errorf("%s scan: %w", scanType, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s scan requested, listening for %s\n", scanType, scanDuration)

	runCtx, cancel := context.WithTimeout(ctx, scanDuration)
	defer cancel()
	err = pipeline.Run(runCtx, sub.C(), nil)
	if errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}

	st := pipeline.Stats()
	fmt.Fprintf(cmd.ErrOrStderr(), "%d detection(s), %d duplicate(s)\n", st.Forwarded, st.Duplicates)
	return err
}

// jsonSink prints each detection as one JSON line.
type jsonSink struct {
	cmd *cobra.Command
}

func (s jsonSink) Alert(_ context.Context, d *detection.Detection) error {
	return printJSONLine(s.cmd.OutOrStdout(), d)
}
