package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/config"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/detection"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/groutine"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/scheduler"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run scheduled scans and stream detections",
	Long: `Connects to the scanner and runs every enabled scan type on its own
interval until interrupted. Detections are printed to the console and, with
--nats, published as JSON on flock.detection.<kind>.

A lost connection is re-established automatically when auto_reconnect is
enabled in the settings file. Edits to the settings file are applied without
reconnecting. SIGUSR1 pauses the scans (the heartbeat keeps the link alive)
and SIGUSR2 resumes them.

Examples:
  # USB, default settings
  flockctl run

  # BLE with a settings file and a NATS broker
  flockctl run --ble 80:E1:26:11:22:33 --settings ~/.config/flock/settings.yaml --nats nats://localhost:4222`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runFlags     connectFlags
	runSettings  string
	runNATS      string
	runNoConsole bool
)

// natsDialer connects the NATS sink (can be overridden in tests).
var natsDialer = func(url string, logger *logrus.Logger) (detectionSinkCloser, error) {
	sink, err := detection.DialNATS(url, logger)
	if err != nil {
		return nil, err
	}
	return sink, nil
}

// notifyPauseSignals relays the pause and resume signals to c (can be
// overridden in tests). The returned func stops the relay.
var notifyPauseSignals = func(c chan<- os.Signal) func() {
	if pauseSignal == nil {
		return func() {}
	}
	signal.Notify(c, pauseSignal, resumeSignal)
	return func() { signal.Stop(c) }
}

// pauseControl is the part of the scheduler the signal handler drives.
type pauseControl interface {
	Pause()
	Resume()
}

// handlePauseSignals pauses or resumes the scans on each signal until ctx ends.
func handlePauseSignals(ctx context.Context, sigs <-chan os.Signal, sched pauseControl, out io.Writer) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			switch sig {
			case pauseSignal:
				sched.Pause()
				fmt.Fprintln(out, "Scans paused. Send SIGUSR2 to resume.")
			case resumeSignal:
				sched.Resume()
				fmt.Fprintln(out, "Scans resumed.")
			}
		}
	}
}

type detectionSinkCloser interface {
	detection.AlertSink
	Close() error
}

func init() {
	runFlags.register(runCmd)
	runCmd.Flags().StringVar(&runSettings, "settings", "", "YAML settings file, reloaded on change")
	runCmd.Flags().StringVar(&runNATS, "nats", "", "Publish detections to this NATS server")
	runCmd.Flags().BoolVar(&runNoConsole, "no-console", false, "Do not print detections")
}

func openSettings(ctx context.Context, path string, logger *logrus.Logger) (config.SettingsStore, func(), error) {
	if path == "" {
		return config.NewMemoryStore(config.Default()), func() {}, nil
	}
	store, err := config.NewFileStore(path, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Start(ctx); err != nil {
		return nil, nil, err
	}
	return store, store.Stop, nil
}

func runRun(cmd *cobra.Command, _ []string) error {
	logger, cfg, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	if runNoConsole && runNATS == "" {
		return errors.New("--no-console requires --nats")
	}
	cmd.SilenceUsage = true

	ctx, cancel := context.WithCancelCause(cmd.Context())
	defer cancel(nil)

	store, stopStore, err := openSettings(ctx, runSettings, logger)
	if err != nil {
		return err
	}
	defer stopStore()

	var sinks detection.MultiSink
	if !runNoConsole {
		if wantJSON(cfg) {
			sinks = append(sinks, jsonSink{cmd: cmd})
		} else {
			sinks = append(sinks, detection.NewConsoleSink(cmd.OutOrStdout()))
		}
	}
	if runNATS != "" {
		nc, err := natsDialer(runNATS, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		sinks = append(sinks, nc)
	}

	c, err := connect(ctx, cmd, &runFlags, cfg.ConnectTimeout, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	runner, err := scheduler.NewRunner(c, store, scheduler.Config{}, scheduler.ReconnectConfig{}, logger)
	if err != nil {
		return err
	}

	sub := c.Subscribe(0)
	defer sub.Close()
	pipeline := detection.NewPipeline(nil, sinks, detection.PipelineConfig{}, logger)
	if settings, err := store.Load(); err == nil {
		pipeline.SetWipsToggles(settings.Wips)
	}

	tasks := groutine.NewGroup(ctx, "run")
	defer tasks.Stop()
	tasks.Go("detections", func(ctx context.Context) {
		_ = pipeline.Run(ctx, sub.C(), store.Watch(ctx))
	})
	sigs := make(chan os.Signal, 1)
	stopSignals := notifyPauseSignals(sigs)
	defer stopSignals()
	tasks.Go("pause-signals", func(ctx context.Context) {
		handlePauseSignals(ctx, sigs, runner.Scheduler(), cmd.ErrOrStderr())
	})
	tasks.Go("reconnect-watch", func(ctx context.Context) {
		for st := range runner.Reconnector().Watch(ctx) {
			if !st.Exhausted {
				continue
			}
			err := fmt.Errorf("%w after %d attempt(s)", ErrReconnectExhausted, st.AttemptNumber)
			if st.LastError != nil {
				err = fmt.Errorf("%w: %w", err, st.LastError)
			}
			cancel(err)
			return
		}
	})

	fmt.Fprintln(cmd.ErrOrStderr(), "Scanning. Press Ctrl+C to stop.")
	err = runner.Run(ctx)

	st := pipeline.Stats()
	logger.WithFields(logrus.Fields{
		"forwarded":  st.Forwarded,
		"duplicates": st.Duplicates,
		"filtered":   st.Filtered,
		"failed":     st.Failed,
	}).Info("Detection pipeline stopped")

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return err
}
