//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/device"
	"github.com/go-ble/ble"
)

func newPlatformDevice() (ble.Device, error) {
	return nil, fmt.Errorf("%w: BLE on %s", device.ErrUnsupported, runtime.GOOS)
}
