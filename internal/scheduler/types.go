package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/config"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/protocol"
)

var (
	// ErrNotReady rejects a manual scan while the connection is not ready.
	ErrNotReady = errors.New("scanner not ready")
	// ErrCooldown rejects a manual scan inside its cooldown window.
	ErrCooldown = errors.New("scan type is cooling down")
)

// ScanType identifies one independently scheduled scan.
type ScanType int

const (
	ScanWifi ScanType = iota
	ScanSubGhz
	ScanBle
	ScanNfc
	ScanIr

	numScanTypes
)

// AllScanTypes lists every scan type in scheduling order.
var AllScanTypes = []ScanType{ScanWifi, ScanSubGhz, ScanBle, ScanNfc, ScanIr}

func (t ScanType) String() string {
	switch t {
	case ScanWifi:
		return "wifi"
	case ScanSubGhz:
		return "subghz"
	case ScanBle:
		return "ble"
	case ScanNfc:
		return "nfc"
	case ScanIr:
		return "ir"
	default:
		return fmt.Sprintf("scan(%d)", int(t))
	}
}

// ParseScanType maps a name such as "wifi" or "sub-ghz" to a ScanType.
func ParseScanType(s string) (ScanType, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "")) {
	case "wifi":
		return ScanWifi, nil
	case "subghz":
		return ScanSubGhz, nil
	case "ble", "bluetooth":
		return ScanBle, nil
	case "nfc":
		return ScanNfc, nil
	case "ir", "infrared":
		return ScanIr, nil
	default:
		return 0, fmt.Errorf("unknown scan type %q (must be wifi, subghz, ble, nfc or ir)", s)
	}
}

func (t ScanType) valid() bool { return t >= 0 && t < numScanTypes }

// enabled reports whether s schedules t.
func (t ScanType) enabled(s config.Settings) bool {
	switch t {
	case ScanWifi:
		return s.EnableWifi
	case ScanSubGhz:
		return s.EnableSubGhz
	case ScanBle:
		return s.EnableBle
	case ScanNfc:
		return s.EnableNfc
	case ScanIr:
		return s.EnableIr
	default:
		return false
	}
}

func (t ScanType) interval(s config.Settings) time.Duration {
	switch t {
	case ScanWifi:
		return s.Intervals.Wifi
	case ScanSubGhz:
		return s.Intervals.SubGhz
	case ScanBle:
		return s.Intervals.Ble
	case ScanNfc:
		return s.Intervals.Nfc
	case ScanIr:
		return s.Intervals.Ir
	default:
		return 0
	}
}

// request builds the scan request for t. The Sub-GHz sweep comes from the
// settings range.
func (t ScanType) request(s config.Settings) (protocol.Request, error) {
	switch t {
	case ScanWifi:
		return &protocol.WifiScanRequest{}, nil
	case ScanSubGhz:
		return protocol.NewSubGhzScanRequest(s.SubGhzRange.Start, s.SubGhzRange.End)
	case ScanBle:
		return &protocol.BleScanRequest{}, nil
	case ScanNfc:
		return &protocol.NfcScanRequest{}, nil
	case ScanIr:
		return &protocol.IrScanRequest{}, nil
	default:
		return nil, fmt.Errorf("unknown scan type %d", int(t))
	}
}

// ScanStatus is the scheduling state of one scan type.
type ScanStatus struct {
	Type          ScanType
	Active        bool
	Interval      time.Duration
	LastTrigger   time.Time
	InFlight      bool
	CooldownUntil time.Time
}

// Status is a snapshot of the scheduler.
type Status struct {
	Running bool
	Paused  bool
	Scans   [numScanTypes]ScanStatus
}

// Scan returns the status of t.
func (s Status) Scan(t ScanType) ScanStatus {
	if !t.valid() {
		return ScanStatus{Type: t}
	}
	return s.Scans[t]
}

// ActiveLoops counts scan loops currently scheduled.
func (s Status) ActiveLoops() int {
	n := 0
	for _, sc := range s.Scans {
		if sc.Active {
			n++
		}
	}
	return n
}
