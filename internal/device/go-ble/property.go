package goble

import (
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/device"
	"github.com/go-ble/ble"
)

// convertProperties maps ble.Property bit flags onto device.Properties.
// Broadcast, signed writes and extended properties have no counterpart.
func convertProperties(p ble.Property) device.Properties {
	var props device.Properties
	if p&ble.CharRead != 0 {
		props |= device.PropRead
	}
	if p&ble.CharWrite != 0 {
		props |= device.PropWrite
	}
	if p&ble.CharWriteNR != 0 {
		props |= device.PropWriteNoResponse
	}
	if p&ble.CharNotify != 0 {
		props |= device.PropNotify
	}
	if p&ble.CharIndicate != 0 {
		props |= device.PropIndicate
	}
	return props
}
