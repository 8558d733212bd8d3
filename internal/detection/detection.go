// Package detection turns scan results into detection events and hands
// them to alert sinks. Severity scoring and threat classification are left
// to the sinks' consumers; the only severity carried here is the one the
// device attaches to WIPS alerts.
package detection

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/protocol"
)

// ErrUnsupportedRecord is returned by a Converter for a record it cannot map.
var ErrUnsupportedRecord = errors.New("unsupported record")

// Kind names the radio a detection came from.
type Kind string

const (
	KindWifi   Kind = "wifi"
	KindSubGhz Kind = "subghz"
	KindBle    Kind = "ble"
	KindIr     Kind = "ir"
	KindNfc    Kind = "nfc"
	KindWips   Kind = "wips"
)

// Location is a position fix attached to a detection.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	// Accuracy in meters, 0 when unknown.
	Accuracy float64 `json:"accuracy,omitempty"`
}

// LocationProvider supplies the host's current position.
type LocationProvider interface {
	CurrentLocation(ctx context.Context) (*Location, error)
}

// Detection is one observed emitter or alert.
type Detection struct {
	Kind Kind `json:"kind"`
	// Identifier is what makes two sightings the same emitter: a MAC, a
	// tag UID, a frequency or a protocol/address pair.
	Identifier      string            `json:"identifier"`
	Name            string            `json:"name,omitempty"`
	RSSI            int               `json:"rssi,omitempty"`
	Severity        string            `json:"severity,omitempty"`
	Description     string            `json:"description,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
	DeviceTimestamp uint32            `json:"device_timestamp"`
	Attributes      map[string]string `json:"attributes,omitempty"`
	Location        *Location         `json:"location,omitempty"`
}

// Key identifies the emitter across sightings.
func (d *Detection) Key() string { return string(d.Kind) + "/" + d.Identifier }

// Record is one entry of a scan result: a protocol.WifiNetwork,
// SubGhzDetection, BleDevice, IrDetection, NfcDetection or a *WipsAlert.
type Record any

// Converter maps a record to a detection. A nil detection with a nil error
// means the record is not worth recording.
type Converter interface {
	Convert(record Record, timestamp uint32, loc *Location) (*Detection, error)
}

// Records flattens a message into its records. Messages without records
// yield nil.
func Records(msg protocol.Message) []Record {
	var out []Record
	switch m := msg.(type) {
	case *protocol.WifiScanResult:
		for _, n := range m.Networks {
			out = append(out, n)
		}
	case *protocol.SubGhzScanResult:
		for _, d := range m.Detections {
			out = append(out, d)
		}
	case *protocol.BleScanResult:
		for _, d := range m.Devices {
			out = append(out, d)
		}
	case *protocol.IrScanResult:
		for _, d := range m.Detections {
			out = append(out, d)
		}
	case *protocol.NfcScanResult:
		for _, d := range m.Detections {
			out = append(out, d)
		}
	case *protocol.WipsAlert:
		out = append(out, m)
	}
	return out
}

// Timestamp returns the device timestamp of a record-bearing message.
func Timestamp(msg protocol.Message) uint32 {
	switch m := msg.(type) {
	case *protocol.WifiScanResult:
		return m.Timestamp
	case *protocol.SubGhzScanResult:
		return m.Timestamp
	case *protocol.BleScanResult:
		return m.Timestamp
	case *protocol.IrScanResult:
		return m.Timestamp
	case *protocol.NfcScanResult:
		return m.Timestamp
	case *protocol.WipsAlert:
		return m.Timestamp
	}
	return 0
}

// BasicConverter maps every record kind field by field. It never scores.
type BasicConverter struct {
	// Now stamps detections; time.Now when nil.
	Now func() time.Time
}

func (c BasicConverter) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c BasicConverter) Convert(record Record, timestamp uint32, loc *Location) (*Detection, error) {
	d := &Detection{
		Timestamp:       c.now(),
		DeviceTimestamp: timestamp,
		Location:        loc,
		Attributes:      map[string]string{},
	}

	switch r := record.(type) {
	case protocol.WifiNetwork:
		d.Kind = KindWifi
		d.Identifier = r.BSSID.String()
		d.Name = r.SSID
		d.RSSI = int(r.RSSI)
		d.Attributes["channel"] = strconv.Itoa(int(r.Channel))
		d.Attributes["security"] = r.Security.String()
		if r.Hidden {
			d.Attributes["hidden"] = "true"
		}

	case protocol.SubGhzDetection:
		d.Kind = KindSubGhz
		d.Identifier = fmt.Sprintf("%d/%s", r.Frequency, r.ProtocolName)
		d.Name = r.ProtocolName
		d.RSSI = int(r.RSSI)
		d.Attributes["frequency"] = strconv.FormatUint(uint64(r.Frequency), 10)
		d.Attributes["modulation"] = r.Modulation.String()
		d.Attributes["duration_ms"] = strconv.Itoa(int(r.DurationMs))
		d.Attributes["bandwidth"] = strconv.FormatUint(uint64(r.Bandwidth), 10)

	case protocol.BleDevice:
		d.Kind = KindBle
		d.Identifier = r.MAC.String()
		d.Name = r.Name
		d.RSSI = int(r.RSSI)
		d.Attributes["address_type"] = r.AddressType.String()
		d.Attributes["connectable"] = strconv.FormatBool(r.Connectable)
		for i, u := range r.ServiceUUIDs {
			d.Attributes["service_"+strconv.Itoa(i)] = u.String()
		}
		if len(r.ManufacturerData) > 0 {
			d.Attributes["manufacturer_id"] = fmt.Sprintf("0x%04X", r.ManufacturerID)
			d.Attributes["manufacturer_data"] = hex.EncodeToString(r.ManufacturerData)
		}

	case protocol.IrDetection:
		d.Kind = KindIr
		d.Identifier = fmt.Sprintf("%s/%08X", r.ProtocolName, r.Address)
		d.Name = r.ProtocolName
		d.RSSI = int(r.SignalStrength)
		d.Attributes["command"] = fmt.Sprintf("0x%X", r.Command)
		if r.Repeat {
			d.Attributes["repeat"] = "true"
		}

	case protocol.NfcDetection:
		d.Kind = KindNfc
		d.Identifier = hex.EncodeToString(r.UID)
		d.Name = r.TypeName
		d.Attributes["sak"] = fmt.Sprintf("0x%02X", r.SAK)
		d.Attributes["atqa"] = hex.EncodeToString(r.ATQA[:])

	case *protocol.WipsAlert:
		d.Kind = KindWips
		d.Identifier = r.AlertType.String() + "/" + r.SSID
		d.Name = r.SSID
		d.Severity = r.Severity.String()
		d.Description = r.Description
		d.Attributes["alert_type"] = r.AlertType.String()
		for i, b := range r.BSSIDs {
			d.Attributes["bssid_"+strconv.Itoa(i)] = b.String()
		}

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedRecord, record)
	}

	if len(d.Attributes) == 0 {
		d.Attributes = nil
	}
	return d, nil
}
