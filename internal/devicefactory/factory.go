package devicefactory

import (
	"context"
	"time"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/device"
	goble "github.com/MaxwellDPS/Flock-You-Android-sub008/internal/device/go-ble"
	bletransport "github.com/MaxwellDPS/Flock-You-Android-sub008/internal/transport/ble"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/transport/usb"
	"github.com/sirupsen/logrus"
)

// DialerFactory creates the device.Dialer used by BLE sessions.
// This is a variable so that it can be overridden in tests.
var DialerFactory = func(logger *logrus.Logger) device.Dialer {
	return goble.NewDialer(logger)
}

// ScannerFactory creates a device.Scanner for BLE discovery.
// This is a variable so that it can be overridden in tests.
var ScannerFactory = goble.NewScanner

// Options carries the per-transport tuning.
type Options struct {
	BLE bletransport.Config
	USB usb.Config
}

// DefaultOptions returns default tuning for both transports.
func DefaultOptions() Options {
	return Options{
		BLE: bletransport.DefaultConfig(),
		USB: usb.DefaultConfig(),
	}
}

// NewBLESession creates an idle BLE session on the platform Bluetooth stack.
// The adapter is only touched on the first Connect.
func NewBLESession(cfg bletransport.Config, logger *logrus.Logger) (*bletransport.Session, error) {
	return bletransport.NewSession(DialerFactory(logger), cfg, logger)
}

// NewUSBSession creates an idle USB serial session.
func NewUSBSession(cfg usb.Config, logger *logrus.Logger) *usb.Session {
	return usb.NewSession(cfg, logger)
}

// NewSessions creates both sessions for the unified client.
func NewSessions(opts Options, logger *logrus.Logger) (*bletransport.Session, *usb.Session, error) {
	ble, err := NewBLESession(opts.BLE, logger)
	if err != nil {
		return nil, nil, err
	}
	return ble, NewUSBSession(opts.USB, logger), nil
}

// IsScannerAdvertisement reports whether adv comes from the scanner, in
// either the bridge or the stock firmware profile.
func IsScannerAdvertisement(adv device.Advertisement) bool {
	for _, svc := range adv.Services {
		if device.SameUUID(svc, device.SerialServiceUUID) || device.SameUUID(svc, device.CLIServiceUUID) {
			return true
		}
	}
	return device.ContainsIgnoreCase(adv.Name, "flipper")
}

// Discover scans for timeout and returns scanner advertisements, one per
// address, in the order first seen.
func Discover(ctx context.Context, timeout time.Duration, logger *logrus.Logger) ([]device.Advertisement, error) {
	if logger == nil {
		logger = logrus.New()
	}
	scanner, err := ScannerFactory()
	if err != nil {
		return nil, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	seen := make(map[string]int)
	var found []device.Advertisement
	err = scanner.Scan(scanCtx, func(adv device.Advertisement) {
		if !IsScannerAdvertisement(adv) {
			return
		}
		if i, ok := seen[adv.Address]; ok {
			found[i].RSSI = adv.RSSI
			return
		}
		seen[adv.Address] = len(found)
		found = append(found, adv)
		logger.WithFields(logrus.Fields{
			"address": adv.Address,
			"name":    adv.Name,
			"rssi":    adv.RSSI,
		}).Debug("Found scanner advertisement")
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}
