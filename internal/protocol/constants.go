package protocol

import (
	"fmt"
	"strings"
)

const (
	// Version is the only wire protocol version this package speaks.
	Version uint8 = 1

	// HeaderSize is the fixed frame header: version, type, little-endian payload length.
	HeaderSize = 4

	// MaxPayloadSize bounds the declared payload length of a frame. A full
	// BLE batch (32 devices) is the largest legal payload at 4517 bytes.
	MaxPayloadSize = 5120
)

// MessageType identifies the payload carried by a frame.
type MessageType uint8

const (
	TypeHeartbeat         MessageType = 0x00
	TypeWifiScanRequest   MessageType = 0x01
	TypeWifiScanResult    MessageType = 0x02
	TypeSubGhzScanRequest MessageType = 0x03
	TypeSubGhzScanResult  MessageType = 0x04
	TypeStatusRequest     MessageType = 0x05
	TypeStatusResponse    MessageType = 0x06
	TypeWipsAlert         MessageType = 0x07
	TypeBleScanRequest    MessageType = 0x08
	TypeBleScanResult     MessageType = 0x09
	TypeIrScanRequest     MessageType = 0x0A
	TypeIrScanResult      MessageType = 0x0B
	TypeNfcScanRequest    MessageType = 0x0C
	TypeNfcScanResult     MessageType = 0x0D

	// 0x0E..0x18 are reserved for device-side transmit commands that this
	// client never issues.
	typeReservedFirst MessageType = 0x0E
	typeReservedLast  MessageType = 0x18

	TypeSubGhzScanStatus MessageType = 0x19

	TypeSubGhzConfig MessageType = 0x20
	TypeIrConfig     MessageType = 0x21
	TypeNrf24Config  MessageType = 0x22

	TypeFileStart MessageType = 0x30
	TypeFileData  MessageType = 0x31
	TypeFileEnd   MessageType = 0x32
	TypeFileAbort MessageType = 0x33

	TypeError MessageType = 0xFF
)

var messageTypeNames = map[MessageType]string{
	TypeHeartbeat:         "heartbeat",
	TypeWifiScanRequest:   "wifi_scan_request",
	TypeWifiScanResult:    "wifi_scan_result",
	TypeSubGhzScanRequest: "subghz_scan_request",
	TypeSubGhzScanResult:  "subghz_scan_result",
	TypeStatusRequest:     "status_request",
	TypeStatusResponse:    "status_response",
	TypeWipsAlert:         "wips_alert",
	TypeBleScanRequest:    "ble_scan_request",
	TypeBleScanResult:     "ble_scan_result",
	TypeIrScanRequest:     "ir_scan_request",
	TypeIrScanResult:      "ir_scan_result",
	TypeNfcScanRequest:    "nfc_scan_request",
	TypeNfcScanResult:     "nfc_scan_result",
	TypeSubGhzScanStatus:  "subghz_scan_status",
	TypeSubGhzConfig:      "subghz_config",
	TypeIrConfig:          "ir_config",
	TypeNrf24Config:       "nrf24_config",
	TypeFileStart:         "file_start",
	TypeFileData:          "file_data",
	TypeFileEnd:           "file_end",
	TypeFileAbort:         "file_abort",
	TypeError:             "error",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	if t >= typeReservedFirst && t <= typeReservedLast {
		return fmt.Sprintf("reserved(0x%02x)", uint8(t))
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(t))
}

// Per-message collection caps. A sender claiming more is clamped, not rejected.
const (
	MaxWifiNetworks     = 32
	MaxSubGhzDetections = 16
	MaxBleDevices       = 32
	MaxIrDetections     = 16
	MaxNfcDetections    = 8
	MaxBleServiceUUIDs  = 4
	MaxWipsBSSIDs       = 4
	MaxErrorMessageLen  = 64
	MaxFilePathLen      = 128
)

// Fixed field widths.
const (
	ssidFieldLen          = 33
	subGhzNameFieldLen    = 16
	bleNameFieldLen       = 32
	bleMfrDataFieldLen    = 32
	irNameFieldLen        = 16
	nfcUIDFieldLen        = 10
	nfcTypeNameFieldLen   = 16
	wipsDescriptionLen    = 64
	macLen                = 6
	uuid128Len            = 16
	batchHeaderSize       = 5
	subGhzBatchHeaderSize = 13
)

// Record sizes on the wire.
const (
	WifiNetworkSize      = 43
	SubGhzDetectionSize  = 29
	BleDeviceSize        = 141
	IrDetectionSize      = 31
	NfcDetectionSize     = 31
	StatusResponseSize   = 23
	WipsAlertSize        = 128
	SubGhzScanStatusSize = 16
	subGhzRequestSize    = 8
	subGhzConfigSize     = 6
	fileStartSize        = 4 + MaxFilePathLen
)

// ErrorCode is carried by Error messages.
type ErrorCode uint8

const (
	ErrCodeNone           ErrorCode = 0
	ErrCodeInvalidMessage ErrorCode = 1
	ErrCodeNotImplemented ErrorCode = 2
	ErrCodeHardwareFail   ErrorCode = 3
	ErrCodeBusy           ErrorCode = 4
	ErrCodeTimeout        ErrorCode = 5
	ErrCodeInvalidParam   ErrorCode = 6
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeNone:
		return "none"
	case ErrCodeInvalidMessage:
		return "invalid_message"
	case ErrCodeNotImplemented:
		return "not_implemented"
	case ErrCodeHardwareFail:
		return "hardware_fail"
	case ErrCodeBusy:
		return "busy"
	case ErrCodeTimeout:
		return "timeout"
	case ErrCodeInvalidParam:
		return "invalid_param"
	default:
		return fmt.Sprintf("code(%d)", uint8(c))
	}
}

// WifiSecurity is the security mode reported for a WiFi network.
type WifiSecurity uint8

const (
	SecurityOpen    WifiSecurity = 0
	SecurityWEP     WifiSecurity = 1
	SecurityWPA     WifiSecurity = 2
	SecurityWPA2    WifiSecurity = 3
	SecurityWPA3    WifiSecurity = 4
	SecurityWPA2Ent WifiSecurity = 5
	SecurityWPA3Ent WifiSecurity = 6
	SecurityUnknown WifiSecurity = 255
)

func (s WifiSecurity) valid() bool {
	return s <= SecurityWPA3Ent || s == SecurityUnknown
}

func (s WifiSecurity) String() string {
	switch s {
	case SecurityOpen:
		return "open"
	case SecurityWEP:
		return "wep"
	case SecurityWPA:
		return "wpa"
	case SecurityWPA2:
		return "wpa2"
	case SecurityWPA3:
		return "wpa3"
	case SecurityWPA2Ent:
		return "wpa2-enterprise"
	case SecurityWPA3Ent:
		return "wpa3-enterprise"
	default:
		return "unknown"
	}
}

// Modulation of a Sub-GHz detection.
type Modulation uint8

const (
	ModulationAM      Modulation = 0
	ModulationFM      Modulation = 1
	ModulationASK     Modulation = 2
	ModulationFSK     Modulation = 3
	ModulationPSK     Modulation = 4
	ModulationOOK     Modulation = 5
	ModulationGFSK    Modulation = 6
	ModulationUnknown Modulation = 255
)

func (m Modulation) valid() bool {
	return m <= ModulationGFSK || m == ModulationUnknown
}

func (m Modulation) String() string {
	switch m {
	case ModulationAM:
		return "AM"
	case ModulationFM:
		return "FM"
	case ModulationASK:
		return "ASK"
	case ModulationFSK:
		return "FSK"
	case ModulationPSK:
		return "PSK"
	case ModulationOOK:
		return "OOK"
	case ModulationGFSK:
		return "GFSK"
	default:
		return "unknown"
	}
}

// WipsAlertType classifies a wireless intrusion alert raised by the device.
type WipsAlertType uint8

const (
	WipsEvilTwin WipsAlertType = iota
	WipsDeauthAttack
	WipsKarmaAttack
	WipsHiddenNetworkStrong
	WipsSuspiciousOpenNetwork
	WipsWeakEncryption
	WipsChannelInterference
	WipsMacSpoofing
	WipsRogueAP
	WipsSignalAnomaly
	WipsBeaconFlood
)

var wipsAlertTypeNames = [...]string{
	"evil_twin",
	"deauth_attack",
	"karma_attack",
	"hidden_network_strong",
	"suspicious_open_network",
	"weak_encryption",
	"channel_interference",
	"mac_spoofing",
	"rogue_ap",
	"signal_anomaly",
	"beacon_flood",
}

func (t WipsAlertType) String() string {
	if int(t) < len(wipsAlertTypeNames) {
		return wipsAlertTypeNames[t]
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// WipsSeverity orders alerts from Critical (0) to Info (4).
type WipsSeverity uint8

const (
	SeverityCritical WipsSeverity = iota
	SeverityHigh
	SeverityMedium
	SeverityLow
	SeverityInfo
)

func (s WipsSeverity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityHigh:
		return "high"
	case SeverityMedium:
		return "medium"
	case SeverityLow:
		return "low"
	case SeverityInfo:
		return "info"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// SubGhzProbe selects the passive listener profile in a SubGhzConfig request.
type SubGhzProbe uint8

const (
	ProbeTPMS SubGhzProbe = iota
	ProbeP25
	ProbeLoJack
	ProbePager
	ProbePowerGrid
	ProbeCrane
	ProbeESL
	ProbeThermal
)

// maxSubGhzProbe and maxConfigModulation bound SubGhzConfig fields (ASK, FSK, GFSK).
const (
	maxSubGhzProbe      = ProbeThermal
	maxConfigModulation = 2
)

var subGhzProbeNames = [...]string{
	ProbeTPMS:      "tpms",
	ProbeP25:       "p25",
	ProbeLoJack:    "lojack",
	ProbePager:     "pager",
	ProbePowerGrid: "power_grid",
	ProbeCrane:     "crane",
	ProbeESL:       "esl",
	ProbeThermal:   "thermal",
}

func (p SubGhzProbe) String() string {
	if int(p) < len(subGhzProbeNames) {
		return subGhzProbeNames[p]
	}
	return fmt.Sprintf("unknown(%d)", uint8(p))
}

// ParseSubGhzProbe maps a probe name such as "tpms" to its SubGhzProbe.
func ParseSubGhzProbe(name string) (SubGhzProbe, error) {
	for i, n := range subGhzProbeNames {
		if strings.EqualFold(n, name) {
			return SubGhzProbe(i), nil
		}
	}
	return 0, &ValidationError{Field: "probe", Reason: fmt.Sprintf("unknown probe %q", name)}
}

var modulationNames = [...]string{"ask", "fsk", "gfsk"}

// ParseModulation maps "ask", "fsk" or "gfsk" to its SubGhzConfig code.
func ParseModulation(name string) (uint8, error) {
	for i, n := range modulationNames {
		if strings.EqualFold(n, name) {
			return uint8(i), nil
		}
	}
	return 0, &ValidationError{Field: "modulation", Reason: fmt.Sprintf("unknown modulation %q", name)}
}
