package goble

import (
	"context"
	"errors"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/device"
	ble "github.com/go-ble/ble"
)

// bleScanner wraps the default ble.Device to implement device.Scanner
type bleScanner struct{}

// Scan reports advertisements until ctx ends. Context expiry is not an error.
func (s *bleScanner) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	err := ble.Scan(ctx, false, func(adv ble.Advertisement) {
		handler(convertAdvertisement(adv))
	}, nil)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return NormalizeError(err)
	}
	return nil
}

// NewScanner creates a device.Scanner instance for BLE scanning operations.
func NewScanner() (device.Scanner, error) {
	if err := ensureDefaultDevice(); err != nil {
		return nil, err
	}
	return &bleScanner{}, nil
}

func convertAdvertisement(adv ble.Advertisement) device.Advertisement {
	services := make([]string, 0, len(adv.Services()))
	for _, svc := range adv.Services() {
		services = append(services, device.NormalizeUUID(svc.String()))
	}
	return device.Advertisement{
		Address:     adv.Addr().String(),
		Name:        adv.LocalName(),
		RSSI:        adv.RSSI(),
		Connectable: adv.Connectable(),
		Services:    services,
	}
}
