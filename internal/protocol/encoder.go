package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"
)

const maxUint32 = math.MaxUint32

// EncodeRequest validates req and serializes it into a complete frame.
func EncodeRequest(req Request) ([]byte, error) {
	return Encode(req)
}

// Encode serializes any message into a complete frame: the 4-byte header
// followed by the little-endian payload. Device-side messages are encodable
// too so that simulated peripherals speak the same wire format.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, &ValidationError{Field: "message", Reason: "nil"}
	}

	frame := make([]byte, HeaderSize, HeaderSize+64)
	frame, err := m.appendPayload(frame)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}

	payloadLen := len(frame) - HeaderSize
	if payloadLen > MaxPayloadSize {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), &ValidationError{
			Field:  "payload",
			Reason: fmt.Sprintf("%d bytes exceeds %d", payloadLen, MaxPayloadSize),
		})
	}

	frame[0] = Version
	frame[1] = byte(m.Type())
	binary.LittleEndian.PutUint16(frame[2:4], uint16(payloadLen))
	return frame, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// appendFixedString writes s into a NUL-padded slot of width bytes, keeping
// room for at least one terminator.
func appendFixedString(dst []byte, s string, width int) []byte {
	s = truncateUTF8(s, width-1)
	dst = append(dst, s...)
	for i := len(s); i < width; i++ {
		dst = append(dst, 0)
	}
	return dst
}

func appendBool(dst []byte, v bool) []byte {
	if v {
		return append(dst, 1)
	}
	return append(dst, 0)
}

func appendBatchHeader(dst []byte, ts uint32, count, limit int, what string) ([]byte, error) {
	if count > limit {
		return nil, &ValidationError{Field: what, Reason: fmt.Sprintf("%d entries exceeds cap %d", count, limit)}
	}
	dst = binary.LittleEndian.AppendUint32(dst, ts)
	return append(dst, uint8(count)), nil
}

func checkUTF8(field, s string) error {
	if !utf8.ValidString(s) {
		return &ValidationError{Field: field, Reason: "not valid UTF-8"}
	}
	return nil
}

// ----------------------------
// Requests
// ----------------------------

func (*Heartbeat) appendPayload(dst []byte) ([]byte, error)       { return dst, nil }
func (*WifiScanRequest) appendPayload(dst []byte) ([]byte, error) { return dst, nil }
func (*StatusRequest) appendPayload(dst []byte) ([]byte, error)   { return dst, nil }
func (*BleScanRequest) appendPayload(dst []byte) ([]byte, error)  { return dst, nil }
func (*IrScanRequest) appendPayload(dst []byte) ([]byte, error)   { return dst, nil }
func (*NfcScanRequest) appendPayload(dst []byte) ([]byte, error)  { return dst, nil }
func (*FileEnd) appendPayload(dst []byte) ([]byte, error)         { return dst, nil }
func (*FileAbort) appendPayload(dst []byte) ([]byte, error)       { return dst, nil }

func (r *SubGhzScanRequest) validate() error {
	if r.Start > r.End {
		return &ValidationError{Field: "range", Reason: fmt.Sprintf("start %d > end %d", r.Start, r.End)}
	}
	return nil
}

func (r *SubGhzScanRequest) appendPayload(dst []byte) ([]byte, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	dst = binary.LittleEndian.AppendUint32(dst, r.Start)
	return binary.LittleEndian.AppendUint32(dst, r.End), nil
}

func (c *SubGhzConfig) appendPayload(dst []byte) ([]byte, error) {
	if c.Probe > maxSubGhzProbe {
		return nil, &ValidationError{Field: "probe", Reason: fmt.Sprintf("%d > %d", c.Probe, maxSubGhzProbe)}
	}
	if c.Modulation > maxConfigModulation {
		return nil, &ValidationError{Field: "modulation", Reason: fmt.Sprintf("%d > %d", c.Modulation, maxConfigModulation)}
	}
	dst = append(dst, uint8(c.Probe))
	dst = binary.LittleEndian.AppendUint32(dst, c.Frequency)
	return append(dst, c.Modulation), nil
}

func (c *IrConfig) appendPayload(dst []byte) ([]byte, error) {
	return appendBool(dst, c.DetectOpticom), nil
}

func (c *Nrf24Config) appendPayload(dst []byte) ([]byte, error) {
	return appendBool(dst, c.Promiscuous), nil
}

func (f *FileStart) appendPayload(dst []byte) ([]byte, error) {
	if f.Path == "" {
		return nil, &ValidationError{Field: "path", Reason: "empty"}
	}
	if err := checkUTF8("path", f.Path); err != nil {
		return nil, err
	}
	dst = binary.LittleEndian.AppendUint32(dst, f.Size)
	return appendFixedString(dst, f.Path, MaxFilePathLen), nil
}

func (f *FileData) appendPayload(dst []byte) ([]byte, error) {
	if len(f.Data) == 0 {
		return nil, &ValidationError{Field: "data", Reason: "empty chunk"}
	}
	return append(dst, f.Data...), nil
}

func (e *Error) appendPayload(dst []byte) ([]byte, error) {
	dst = append(dst, uint8(e.Code))
	return append(dst, truncateUTF8(e.Message, MaxErrorMessageLen)...), nil
}

// ----------------------------
// Device-side messages
// ----------------------------

func (r *WifiScanResult) appendPayload(dst []byte) ([]byte, error) {
	dst, err := appendBatchHeader(dst, r.Timestamp, len(r.Networks), MaxWifiNetworks, "networks")
	if err != nil {
		return nil, err
	}
	for _, n := range r.Networks {
		if err := checkUTF8("ssid", n.SSID); err != nil {
			return nil, err
		}
		dst = appendFixedString(dst, n.SSID, ssidFieldLen)
		dst = append(dst, n.BSSID[:]...)
		dst = append(dst, uint8(n.RSSI), n.Channel, uint8(n.Security))
		dst = appendBool(dst, n.Hidden)
	}
	return dst, nil
}

func (r *SubGhzScanResult) appendPayload(dst []byte) ([]byte, error) {
	if len(r.Detections) > MaxSubGhzDetections {
		return nil, &ValidationError{Field: "detections", Reason: fmt.Sprintf("%d entries exceeds cap %d", len(r.Detections), MaxSubGhzDetections)}
	}
	dst = binary.LittleEndian.AppendUint32(dst, r.Timestamp)
	dst = binary.LittleEndian.AppendUint32(dst, r.FrequencyStart)
	dst = binary.LittleEndian.AppendUint32(dst, r.FrequencyEnd)
	dst = append(dst, uint8(len(r.Detections)))
	for _, d := range r.Detections {
		if err := checkUTF8("protocol_name", d.ProtocolName); err != nil {
			return nil, err
		}
		dst = binary.LittleEndian.AppendUint32(dst, d.Frequency)
		dst = append(dst, uint8(d.RSSI), uint8(d.Modulation))
		dst = binary.LittleEndian.AppendUint16(dst, d.DurationMs)
		dst = binary.LittleEndian.AppendUint32(dst, d.Bandwidth)
		dst = append(dst, d.ProtocolID)
		dst = appendFixedString(dst, d.ProtocolName, subGhzNameFieldLen)
	}
	return dst, nil
}

func (s *SubGhzScanStatus) appendPayload(dst []byte) ([]byte, error) {
	dst = binary.LittleEndian.AppendUint32(dst, s.Timestamp)
	dst = binary.LittleEndian.AppendUint32(dst, s.CurrentFrequency)
	dst = append(dst, s.HopIndex, s.HopCount)
	dst = appendBool(dst, s.Active)
	dst = append(dst, uint8(s.NoiseFloor))
	return binary.LittleEndian.AppendUint32(dst, s.DetectionCount), nil
}

func (r *BleScanResult) appendPayload(dst []byte) ([]byte, error) {
	dst, err := appendBatchHeader(dst, r.Timestamp, len(r.Devices), MaxBleDevices, "devices")
	if err != nil {
		return nil, err
	}
	for _, d := range r.Devices {
		if err := checkUTF8("name", d.Name); err != nil {
			return nil, err
		}
		if len(d.ServiceUUIDs) > MaxBleServiceUUIDs {
			return nil, &ValidationError{Field: "service_uuids", Reason: fmt.Sprintf("%d entries exceeds cap %d", len(d.ServiceUUIDs), MaxBleServiceUUIDs)}
		}
		if len(d.ManufacturerData) > bleMfrDataFieldLen {
			return nil, &ValidationError{Field: "manufacturer_data", Reason: fmt.Sprintf("%d bytes exceeds %d", len(d.ManufacturerData), bleMfrDataFieldLen)}
		}
		dst = append(dst, d.MAC[:]...)
		dst = appendFixedString(dst, d.Name, bleNameFieldLen)
		dst = append(dst, uint8(d.RSSI), uint8(d.AddressType))
		dst = appendBool(dst, d.Connectable)
		dst = append(dst, uint8(len(d.ServiceUUIDs)))
		for i := 0; i < MaxBleServiceUUIDs; i++ {
			var u UUID128
			if i < len(d.ServiceUUIDs) {
				u = d.ServiceUUIDs[i]
			}
			dst = append(dst, u[:]...)
		}
		dst = binary.LittleEndian.AppendUint16(dst, d.ManufacturerID)
		dst = append(dst, uint8(len(d.ManufacturerData)))
		var mfr [bleMfrDataFieldLen]byte
		copy(mfr[:], d.ManufacturerData)
		dst = append(dst, mfr[:]...)
	}
	return dst, nil
}

func (r *IrScanResult) appendPayload(dst []byte) ([]byte, error) {
	dst, err := appendBatchHeader(dst, r.Timestamp, len(r.Detections), MaxIrDetections, "detections")
	if err != nil {
		return nil, err
	}
	for _, d := range r.Detections {
		if err := checkUTF8("protocol_name", d.ProtocolName); err != nil {
			return nil, err
		}
		dst = binary.LittleEndian.AppendUint32(dst, d.Timestamp)
		dst = append(dst, d.ProtocolID)
		dst = appendFixedString(dst, d.ProtocolName, irNameFieldLen)
		dst = binary.LittleEndian.AppendUint32(dst, d.Address)
		dst = binary.LittleEndian.AppendUint32(dst, d.Command)
		dst = appendBool(dst, d.Repeat)
		dst = append(dst, uint8(d.SignalStrength))
	}
	return dst, nil
}

func (r *NfcScanResult) appendPayload(dst []byte) ([]byte, error) {
	dst, err := appendBatchHeader(dst, r.Timestamp, len(r.Detections), MaxNfcDetections, "detections")
	if err != nil {
		return nil, err
	}
	for _, d := range r.Detections {
		if err := checkUTF8("type_name", d.TypeName); err != nil {
			return nil, err
		}
		if len(d.UID) == 0 || len(d.UID) > nfcUIDFieldLen {
			return nil, &ValidationError{Field: "uid", Reason: fmt.Sprintf("length %d outside 1..%d", len(d.UID), nfcUIDFieldLen)}
		}
		var uid [nfcUIDFieldLen]byte
		copy(uid[:], d.UID)
		dst = append(dst, uid[:]...)
		dst = append(dst, uint8(len(d.UID)), d.Type, d.SAK, d.ATQA[0], d.ATQA[1])
		dst = appendFixedString(dst, d.TypeName, nfcTypeNameFieldLen)
	}
	return dst, nil
}

func (s *StatusResponse) appendPayload(dst []byte) ([]byte, error) {
	dst = append(dst, s.ProtocolVersion)
	dst = appendBool(dst, s.WifiBoardConnected)
	dst = appendBool(dst, s.SubGhzReady)
	dst = appendBool(dst, s.BleReady)
	dst = appendBool(dst, s.IrReady)
	dst = appendBool(dst, s.NfcReady)
	dst = append(dst, s.BatteryPercent)
	dst = binary.LittleEndian.AppendUint32(dst, s.UptimeSeconds)
	for _, v := range []uint16{
		s.WifiScanCount, s.SubGhzDetectionCount, s.BleScanCount,
		s.IrDetectionCount, s.NfcDetectionCount, s.WipsAlertCount,
	} {
		dst = binary.LittleEndian.AppendUint16(dst, v)
	}
	return dst, nil
}

func (a *WipsAlert) appendPayload(dst []byte) ([]byte, error) {
	if len(a.BSSIDs) > MaxWipsBSSIDs {
		return nil, &ValidationError{Field: "bssids", Reason: fmt.Sprintf("%d entries exceeds cap %d", len(a.BSSIDs), MaxWipsBSSIDs)}
	}
	if err := checkUTF8("ssid", a.SSID); err != nil {
		return nil, err
	}
	if err := checkUTF8("description", a.Description); err != nil {
		return nil, err
	}
	dst = binary.LittleEndian.AppendUint32(dst, a.Timestamp)
	dst = append(dst, uint8(a.AlertType), uint8(a.Severity))
	dst = appendFixedString(dst, a.SSID, ssidFieldLen)
	dst = append(dst, uint8(len(a.BSSIDs)))
	for i := 0; i < MaxWipsBSSIDs; i++ {
		var m MAC
		if i < len(a.BSSIDs) {
			m = a.BSSIDs[i]
		}
		dst = append(dst, m[:]...)
	}
	return appendFixedString(dst, a.Description, wipsDescriptionLen), nil
}
