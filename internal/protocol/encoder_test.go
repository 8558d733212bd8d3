package protocol_test

import (
	"io"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/protocol"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestEncodeSubGhzScanRequestWireBytes(t *testing.T) {
	req, err := protocol.NewSubGhzScanRequest(300_000_000, 928_000_000)
	require.NoError(t, err)

	frame, err := protocol.EncodeRequest(req)
	require.NoError(t, err)

	assert.Equal(t, []byte{
		0x01, 0x03, 0x08, 0x00, // header
		0x00, 0xE1, 0xF5, 0x11, // start
		0x00, 0x19, 0x48, 0x37, // end
	}, frame, "Sub-GHz request MUST serialize little-endian after the 4-byte header")
}

func TestNewSubGhzScanRequestValidation(t *testing.T) {
	tests := []struct {
		name       string
		start, end int64
		wantField  string
	}{
		{name: "valid range", start: 300_000_000, end: 928_000_000},
		{name: "single frequency", start: 433_920_000, end: 433_920_000},
		{name: "full 32-bit range", start: 0, end: 4_294_967_295},
		{name: "start after end", start: 928_000_000, end: 300_000_000, wantField: "range"},
		{name: "negative start", start: -1, end: 10, wantField: "start"},
		{name: "end overflows u32", start: 0, end: 4_294_967_296, wantField: "end"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := protocol.NewSubGhzScanRequest(tt.start, tt.end)
			if tt.wantField == "" {
				require.NoError(t, err)
				assert.Equal(t, uint32(tt.start), req.Start)
				assert.Equal(t, uint32(tt.end), req.End)
				return
			}

			var verr *protocol.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantField, verr.Field)
			assert.Nil(t, req)
		})
	}
}

func TestEncodeRejectsInvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		msg  protocol.Message
	}{
		{name: "nil message", msg: nil},
		{name: "inverted sub-ghz range", msg: &protocol.SubGhzScanRequest{Start: 2, End: 1}},
		{name: "probe out of range", msg: &protocol.SubGhzConfig{Probe: 8}},
		{name: "modulation out of range", msg: &protocol.SubGhzConfig{Modulation: 3}},
		{name: "empty file path", msg: &protocol.FileStart{Size: 10}},
		{name: "invalid utf-8 path", msg: &protocol.FileStart{Path: "\xff\xfe", Size: 10}},
		{name: "empty data chunk", msg: &protocol.FileData{}},
		{name: "oversized data chunk", msg: &protocol.FileData{Data: make([]byte, protocol.MaxPayloadSize+1)}},
		{name: "too many networks", msg: &protocol.WifiScanResult{Networks: make([]protocol.WifiNetwork, protocol.MaxWifiNetworks+1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := protocol.Encode(tt.msg)

			var verr *protocol.ValidationError
			assert.ErrorAs(t, err, &verr, "MUST return a ValidationError")
			assert.Nil(t, frame, "MUST NOT produce a frame")
		})
	}
}

func TestEncodeFileStartTruncatesPath(t *testing.T) {
	// 126 ASCII bytes followed by a 3-byte rune: the rune does not fit in 127 bytes
	path := "/ext/" + strings.Repeat("a", 121) + "€tail"

	frame, err := protocol.EncodeRequest(&protocol.FileStart{Path: path, Size: 42})
	require.NoError(t, err, "long paths MUST be truncated, not rejected")
	assert.Len(t, frame, protocol.HeaderSize+4+protocol.MaxFilePathLen)

	msg, _, err := protocol.NewDecoder(quietLogger()).Decode(frame)
	require.NoError(t, err)

	start, ok := msg.(*protocol.FileStart)
	require.True(t, ok)
	assert.Equal(t, uint32(42), start.Size)
	assert.True(t, utf8.ValidString(start.Path), "truncation MUST NOT split a rune")
	assert.Equal(t, path[:126], start.Path)
}

func TestEncodeErrorTruncatesMessage(t *testing.T) {
	frame, err := protocol.Encode(&protocol.Error{Code: protocol.ErrCodeBusy, Message: strings.Repeat("x", 100)})
	require.NoError(t, err)
	assert.Len(t, frame, protocol.HeaderSize+1+protocol.MaxErrorMessageLen)
}

func TestRequestRoundTrip(t *testing.T) {
	requests := []protocol.Request{
		&protocol.Heartbeat{},
		&protocol.WifiScanRequest{},
		&protocol.SubGhzScanRequest{Start: 300_000_000, End: 928_000_000},
		&protocol.StatusRequest{},
		&protocol.BleScanRequest{},
		&protocol.IrScanRequest{},
		&protocol.NfcScanRequest{},
		&protocol.SubGhzConfig{Probe: protocol.ProbeLoJack, Frequency: 173_075_000, Modulation: 1},
		&protocol.IrConfig{DetectOpticom: true},
		&protocol.Nrf24Config{Promiscuous: true},
		&protocol.FileStart{Path: "/ext/flock/rules.txt", Size: 1024},
		&protocol.FileData{Data: []byte{0xde, 0xad, 0xbe, 0xef}},
		&protocol.FileEnd{},
		&protocol.FileAbort{},
		&protocol.Error{Code: protocol.ErrCodeTimeout, Message: "scan timed out"},
	}

	decoder := protocol.NewDecoder(quietLogger())
	for _, req := range requests {
		t.Run(req.Type().String(), func(t *testing.T) {
			frame, err := protocol.EncodeRequest(req)
			require.NoError(t, err)

			msg, n, err := decoder.Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, len(frame), n, "MUST consume the whole frame")
			assert.Equal(t, req, msg, "decoded request MUST match the encoded one")
		})
	}
}

func TestResultRoundTrip(t *testing.T) {
	bssid := protocol.MAC{0xAA, 0xBB, 0xCC, 0x00, 0x11, 0x22}
	messages := []protocol.Message{
		&protocol.WifiScanResult{Timestamp: 1000, Networks: []protocol.WifiNetwork{
			{SSID: "Flock-A1B2C3", BSSID: bssid, RSSI: -61, Channel: 6, Security: protocol.SecurityWPA2},
			{SSID: "", BSSID: bssid, RSSI: -90, Channel: 149, Security: protocol.SecurityUnknown, Hidden: true},
		}},
		&protocol.SubGhzScanResult{Timestamp: 7, FrequencyStart: 300_000_000, FrequencyEnd: 928_000_000, Detections: []protocol.SubGhzDetection{
			{Frequency: 433_920_000, RSSI: -70, Modulation: protocol.ModulationOOK, DurationMs: 120, Bandwidth: 25_000, ProtocolID: 3, ProtocolName: "Princeton"},
		}},
		&protocol.SubGhzScanStatus{Timestamp: 9, CurrentFrequency: 315_000_000, HopIndex: 2, HopCount: 8, Active: true, NoiseFloor: -101, DetectionCount: 12},
		&protocol.BleScanResult{Timestamp: 55, Devices: []protocol.BleDevice{
			{
				MAC: bssid, Name: "Penguin", RSSI: -48, AddressType: protocol.BleAddressRandom, Connectable: true,
				ServiceUUIDs:     []protocol.UUID128{{0x6e, 0x40, 0x00, 0x01}},
				ManufacturerID:   0x09c8,
				ManufacturerData: []byte{1, 2, 3},
			},
		}},
		&protocol.IrScanResult{Timestamp: 3, Detections: []protocol.IrDetection{
			{Timestamp: 3, ProtocolID: 1, ProtocolName: "NEC", Address: 0x04, Command: 0x08, Repeat: true, SignalStrength: -20},
		}},
		&protocol.NfcScanResult{Timestamp: 4, Detections: []protocol.NfcDetection{
			{UID: []byte{0x04, 0xA2, 0x3B, 0x11}, Type: 2, SAK: 0x08, ATQA: [2]byte{0x00, 0x04}, TypeName: "MIFARE Classic"},
		}},
		&protocol.StatusResponse{
			ProtocolVersion: 1, WifiBoardConnected: true, SubGhzReady: true, BleReady: true, NfcReady: true,
			BatteryPercent: 87, UptimeSeconds: 3600, WifiScanCount: 12, SubGhzDetectionCount: 3, WipsAlertCount: 1,
		},
		&protocol.WipsAlert{
			Timestamp: 99, AlertType: protocol.WipsEvilTwin, Severity: protocol.SeverityHigh, SSID: "CoffeeShop",
			BSSIDs: []protocol.MAC{bssid, {1, 2, 3, 4, 5, 6}}, Description: "Same SSID, different vendors",
		},
	}

	decoder := protocol.NewDecoder(quietLogger())
	for _, m := range messages {
		t.Run(m.Type().String(), func(t *testing.T) {
			frame, err := protocol.Encode(m)
			require.NoError(t, err)

			msg, n, err := decoder.Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, len(frame), n)
			assert.Equal(t, m, msg)
		})
	}
}

func TestRecordSizes(t *testing.T) {
	tests := []struct {
		name string
		msg  protocol.Message
		want int
	}{
		{"wifi", &protocol.WifiScanResult{Networks: []protocol.WifiNetwork{{Channel: 1}}}, 5 + protocol.WifiNetworkSize},
		{"subghz", &protocol.SubGhzScanResult{Detections: []protocol.SubGhzDetection{{Frequency: 1}}}, 13 + protocol.SubGhzDetectionSize},
		{"ble", &protocol.BleScanResult{Devices: []protocol.BleDevice{{}}}, 5 + protocol.BleDeviceSize},
		{"ir", &protocol.IrScanResult{Detections: []protocol.IrDetection{{}}}, 5 + protocol.IrDetectionSize},
		{"nfc", &protocol.NfcScanResult{Detections: []protocol.NfcDetection{{UID: []byte{1}}}}, 5 + protocol.NfcDetectionSize},
		{"status", &protocol.StatusResponse{}, protocol.StatusResponseSize},
		{"wips", &protocol.WipsAlert{}, protocol.WipsAlertSize},
		{"subghz status", &protocol.SubGhzScanStatus{}, protocol.SubGhzScanStatusSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := protocol.Encode(tt.msg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, len(frame)-protocol.HeaderSize, "payload size MUST match the firmware layout")
		})
	}
}

func TestMACString(t *testing.T) {
	assert.Equal(t, "AA:BB:0C:00:11:FF", protocol.MAC{0xAA, 0xBB, 0x0C, 0x00, 0x11, 0xFF}.String())
}

func TestParseListenerNames(t *testing.T) {
	probe, err := protocol.ParseSubGhzProbe("Power_Grid")
	require.NoError(t, err)
	assert.Equal(t, protocol.ProbePowerGrid, probe)
	assert.Equal(t, "power_grid", probe.String())
	assert.Equal(t, "unknown(9)", protocol.SubGhzProbe(9).String())

	_, err = protocol.ParseSubGhzProbe("radar")
	assert.ErrorContains(t, err, `unknown probe "radar"`)

	mod, err := protocol.ParseModulation("GFSK")
	require.NoError(t, err)
	assert.Equal(t, uint8(2), mod)
	_, err = protocol.ParseModulation("ook")
	assert.Error(t, err)
}
