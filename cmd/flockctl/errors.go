package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/client"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/device"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/filetransfer"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/scheduler"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/transport/usb"
)

// Command-level errors
var (
	// ErrReconnectExhausted ends `run` when the supervisor gives up.
	ErrReconnectExhausted = errors.New("auto-reconnect gave up")

	// ErrNoTarget means neither --ble nor --usb was given and no scanner port was found.
	ErrNoTarget = errors.New("no scanner target")
)

// FormatUserError turns an error chain into a message with a hint for the
// failures a user can act on. Anything else is printed as is.
func FormatUserError(err error) string {
	var notFound *device.NotFoundError

	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off. Enable it and try again."
	case errors.Is(err, device.ErrBootstrapFailed):
		return fmt.Sprintf("%v\nOpen the flock bridge app on the scanner manually and try again.", err)
	case errors.Is(err, device.ErrIncompatibleDevice):
		return fmt.Sprintf("%v\nThe device does not look like a flock bridge scanner.", err)
	case errors.Is(err, usb.ErrNoScannerPort), errors.Is(err, ErrNoTarget):
		return fmt.Sprintf("%v\nConnect the scanner over USB or pass --ble <address> (see `flockctl discover`).", err)
	case errors.Is(err, client.ErrConnectTimeout):
		return fmt.Sprintf("%v\nMake sure the scanner is powered on and in range.", err)
	case errors.Is(err, client.ErrStatusTimeout):
		return fmt.Sprintf("%v\nThe scanner is connected but did not answer; is the flock bridge app running?", err)
	case errors.Is(err, scheduler.ErrCooldown):
		return fmt.Sprintf("%v\nWait a few seconds between manual scans of the same type.", err)
	case errors.Is(err, scheduler.ErrNotReady), errors.Is(err, filetransfer.ErrNotReady), errors.Is(err, device.ErrNotReady):
		return fmt.Sprintf("%v\nThe connection is not ready yet.", err)
	case errors.As(err, &notFound):
		return fmt.Sprintf("%v\nThe scanner firmware may be too old.", err)
	case errors.Is(err, context.DeadlineExceeded):
		return "operation timed out"
	default:
		return err.Error()
	}
}
