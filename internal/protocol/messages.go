package protocol

import (
	"encoding/hex"
	"fmt"
)

// Message is the closed set of payloads a frame can carry. The unexported
// methods keep the set sealed to this package; consumers switch on the
// concrete type.
type Message interface {
	Type() MessageType
	appendPayload(dst []byte) ([]byte, error)
}

// Request is a Message the host sends to the device.
type Request interface {
	Message
	request()
}

// MAC is a 6-byte hardware address kept raw on the wire.
type MAC [macLen]byte

// String renders the address as colon separated upper-case hex.
func (m MAC) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", m[0], m[1], m[2], m[3], m[4], m[5])
}

// UUID128 is a raw 128-bit service UUID as advertised by a BLE device.
type UUID128 [uuid128Len]byte

func (u UUID128) String() string {
	s := hex.EncodeToString(u[:])
	return s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:32]
}

// ----------------------------
// Records
// ----------------------------

// WifiNetwork is one access point seen by the device's WiFi board.
type WifiNetwork struct {
	SSID     string
	BSSID    MAC
	RSSI     int8
	Channel  uint8
	Security WifiSecurity
	Hidden   bool
}

// SubGhzDetection is one signal burst picked up by the Sub-GHz receiver.
type SubGhzDetection struct {
	Frequency    uint32 // Hz
	RSSI         int8
	Modulation   Modulation
	DurationMs   uint16
	Bandwidth    uint32
	ProtocolID   uint8
	ProtocolName string
}

// BleAddressType distinguishes public and random BLE addresses.
type BleAddressType uint8

const (
	BleAddressPublic BleAddressType = 0
	BleAddressRandom BleAddressType = 1
)

func (t BleAddressType) String() string {
	switch t {
	case BleAddressPublic:
		return "public"
	case BleAddressRandom:
		return "random"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// BleDevice is one advertiser seen by the device's BLE scan.
type BleDevice struct {
	MAC              MAC
	Name             string
	RSSI             int8
	AddressType      BleAddressType
	Connectable      bool
	ServiceUUIDs     []UUID128
	ManufacturerID   uint16
	ManufacturerData []byte
}

// IrDetection is one decoded infrared burst.
type IrDetection struct {
	Timestamp      uint32
	ProtocolID     uint8
	ProtocolName   string
	Address        uint32
	Command        uint32
	Repeat         bool
	SignalStrength int8
}

// NfcDetection is one tag presented to the device's NFC reader.
type NfcDetection struct {
	UID      []byte
	Type     uint8
	SAK      uint8
	ATQA     [2]byte
	TypeName string
}

// ----------------------------
// Device → host messages
// ----------------------------

// WifiScanResult carries up to MaxWifiNetworks networks.
type WifiScanResult struct {
	Timestamp uint32
	Networks  []WifiNetwork
}

// SubGhzScanResult carries up to MaxSubGhzDetections detections over a swept range.
type SubGhzScanResult struct {
	Timestamp      uint32
	FrequencyStart uint32
	FrequencyEnd   uint32
	Detections     []SubGhzDetection
}

// SubGhzScanStatus reports progress of the device's frequency hopping.
type SubGhzScanStatus struct {
	Timestamp        uint32
	CurrentFrequency uint32
	HopIndex         uint8
	HopCount         uint8
	Active           bool
	NoiseFloor       int8
	DetectionCount   uint32
}

// BleScanResult carries up to MaxBleDevices devices.
type BleScanResult struct {
	Timestamp uint32
	Devices   []BleDevice
}

// IrScanResult carries up to MaxIrDetections detections.
type IrScanResult struct {
	Timestamp  uint32
	Detections []IrDetection
}

// NfcScanResult carries up to MaxNfcDetections detections.
type NfcScanResult struct {
	Timestamp  uint32
	Detections []NfcDetection
}

// StatusResponse is the device's answer to a StatusRequest.
type StatusResponse struct {
	ProtocolVersion    uint8
	WifiBoardConnected bool
	SubGhzReady        bool
	BleReady           bool
	IrReady            bool
	NfcReady           bool
	BatteryPercent     uint8
	UptimeSeconds      uint32

	WifiScanCount        uint16
	SubGhzDetectionCount uint16
	BleScanCount         uint16
	IrDetectionCount     uint16
	NfcDetectionCount    uint16
	WipsAlertCount       uint16
}

// WipsAlert is a wireless intrusion alert raised by the device.
type WipsAlert struct {
	Timestamp   uint32
	AlertType   WipsAlertType
	Severity    WipsSeverity
	SSID        string
	BSSIDs      []MAC
	Description string
}

// ----------------------------
// Host → device requests
// ----------------------------

type WifiScanRequest struct{}
type BleScanRequest struct{}
type IrScanRequest struct{}
type NfcScanRequest struct{}
type StatusRequest struct{}

// SubGhzScanRequest asks the device to sweep [Start, End] Hz.
type SubGhzScanRequest struct {
	Start uint32
	End   uint32
}

// NewSubGhzScanRequest validates a frequency range given in Hz.
func NewSubGhzScanRequest(start, end int64) (*SubGhzScanRequest, error) {
	if start < 0 || start > maxUint32 {
		return nil, &ValidationError{Field: "start", Reason: fmt.Sprintf("%d outside 32-bit unsigned range", start)}
	}
	if end < 0 || end > maxUint32 {
		return nil, &ValidationError{Field: "end", Reason: fmt.Sprintf("%d outside 32-bit unsigned range", end)}
	}
	req := &SubGhzScanRequest{Start: uint32(start), End: uint32(end)}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// SubGhzConfig tunes the passive Sub-GHz listener.
type SubGhzConfig struct {
	Probe      SubGhzProbe
	Frequency  uint32 // 0 selects the probe's default
	Modulation uint8  // 0=ASK, 1=FSK, 2=GFSK
}

// IrConfig toggles emergency strobe (Opticom) detection.
type IrConfig struct {
	DetectOpticom bool
}

// Nrf24Config toggles promiscuous NRF24 scanning.
type Nrf24Config struct {
	Promiscuous bool
}

// FileStart opens a file-transfer session. Path is truncated to fit its slot.
type FileStart struct {
	Path string
	Size uint32
}

// FileData carries one chunk of a file-transfer session.
type FileData struct {
	Data []byte
}

type FileEnd struct{}
type FileAbort struct{}

// ----------------------------
// Bidirectional
// ----------------------------

// Heartbeat keeps the link alive; either side may send it.
type Heartbeat struct{}

// Error reports a failure. Decode failures on the host are surfaced as Error
// messages too, so a broken frame never terminates the stream.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (*Heartbeat) Type() MessageType         { return TypeHeartbeat }
func (*WifiScanRequest) Type() MessageType   { return TypeWifiScanRequest }
func (*WifiScanResult) Type() MessageType    { return TypeWifiScanResult }
func (*SubGhzScanRequest) Type() MessageType { return TypeSubGhzScanRequest }
func (*SubGhzScanResult) Type() MessageType  { return TypeSubGhzScanResult }
func (*SubGhzScanStatus) Type() MessageType  { return TypeSubGhzScanStatus }
func (*StatusRequest) Type() MessageType     { return TypeStatusRequest }
func (*StatusResponse) Type() MessageType    { return TypeStatusResponse }
func (*WipsAlert) Type() MessageType         { return TypeWipsAlert }
func (*BleScanRequest) Type() MessageType    { return TypeBleScanRequest }
func (*BleScanResult) Type() MessageType     { return TypeBleScanResult }
func (*IrScanRequest) Type() MessageType     { return TypeIrScanRequest }
func (*IrScanResult) Type() MessageType      { return TypeIrScanResult }
func (*NfcScanRequest) Type() MessageType    { return TypeNfcScanRequest }
func (*NfcScanResult) Type() MessageType     { return TypeNfcScanResult }
func (*SubGhzConfig) Type() MessageType      { return TypeSubGhzConfig }
func (*IrConfig) Type() MessageType          { return TypeIrConfig }
func (*Nrf24Config) Type() MessageType       { return TypeNrf24Config }
func (*FileStart) Type() MessageType         { return TypeFileStart }
func (*FileData) Type() MessageType          { return TypeFileData }
func (*FileEnd) Type() MessageType           { return TypeFileEnd }
func (*FileAbort) Type() MessageType         { return TypeFileAbort }
func (*Error) Type() MessageType             { return TypeError }

func (*Heartbeat) request()         {}
func (*WifiScanRequest) request()   {}
func (*SubGhzScanRequest) request() {}
func (*StatusRequest) request()     {}
func (*BleScanRequest) request()    {}
func (*IrScanRequest) request()     {}
func (*NfcScanRequest) request()    {}
func (*SubGhzConfig) request()      {}
func (*IrConfig) request()          {}
func (*Nrf24Config) request()       {}
func (*FileStart) request()         {}
func (*FileData) request()          {}
func (*FileEnd) request()           {}
func (*FileAbort) request()         {}
func (*Error) request()             {}
