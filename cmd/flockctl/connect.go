package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/client"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/device"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/devicefactory"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/transport"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/transport/usb"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// sessionFactory builds the transport sessions (can be overridden in tests).
var sessionFactory = func(logger *logrus.Logger) ([]transport.Session, error) {
	ble, serial, err := devicefactory.NewSessions(devicefactory.DefaultOptions(), logger)
	if err != nil {
		return nil, err
	}
	return []transport.Session{ble, serial}, nil
}

// findScannerPort locates the USB scanner (can be overridden in tests).
var findScannerPort = usb.FindScannerPort

// connectFlags selects the scanner a command talks to.
type connectFlags struct {
	ble     string
	usb     string
	timeout time.Duration
}

func (f *connectFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.ble, "ble", "", "Connect over BLE to this address")
	cmd.Flags().StringVar(&f.usb, "usb", "", "Connect over USB serial to this port (default: auto-detect)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "Connection timeout (default 30s)")
	cmd.MarkFlagsMutuallyExclusive("ble", "usb")
}

// target resolves the flags to a transport and address. Without flags the
// first USB port that looks like the scanner is used.
func (f *connectFlags) target() (device.TransportKind, string, error) {
	if f.ble != "" {
		return device.TransportBLE, f.ble, nil
	}
	if f.usb != "" && f.usb != "auto" {
		return device.TransportUSB, f.usb, nil
	}
	port, err := findScannerPort()
	if err != nil {
		return 0, "", fmt.Errorf("%w: %w", ErrNoTarget, err)
	}
	return device.TransportUSB, port, nil
}

// connect builds a client and waits until the selected session is Ready.
// The caller closes the client.
func connect(ctx context.Context, cmd *cobra.Command, flags *connectFlags, timeout time.Duration, logger *logrus.Logger) (*client.Client, error) {
	kind, target, err := flags.target()
	if err != nil {
		return nil, err
	}
	if flags.timeout > 0 {
		timeout = flags.timeout
	}

	sessions, err := sessionFactory(logger)
	if err != nil {
		return nil, err
	}
	c := client.New(client.Config{}, logger, sessions...)

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Connecting to %s over %s", target, kind))
	progress.Follow(ctx, c.Watch(ctx))
	err = c.ConnectAndWait(ctx, kind, target, timeout)
	progress.Stop()
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"transport": kind,
		"target":    target,
	}).Info("Scanner ready")
	return c, nil
}
