package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// Decoder turns complete frames into Messages. It is safe for use by one
// receive pipeline at a time; Stats may be read concurrently.
type Decoder struct {
	logger *logrus.Logger
	stats  *Statistics
}

// NewDecoder creates a decoder. A nil logger gets a default logrus logger.
func NewDecoder(logger *logrus.Logger) *Decoder {
	if logger == nil {
		logger = logrus.New()
	}
	return &Decoder{
		logger: logger,
		stats:  NewStatistics(),
	}
}

// Stats returns the decoder's running counters.
func (d *Decoder) Stats() *Statistics {
	return d.stats
}

// PeekFrameLength inspects a header and reports the full frame length it
// declares. ok is false when fewer than HeaderSize bytes are available.
func PeekFrameLength(buf []byte) (n int, ok bool) {
	if len(buf) < HeaderSize {
		return 0, false
	}
	return HeaderSize + int(binary.LittleEndian.Uint16(buf[2:4])), true
}

// Decode parses the frame at the start of buf and returns the message and the
// number of bytes it occupies.
//
// Results:
//   - ErrIncompleteFrame, 0: not enough bytes buffered yet
//   - *DecodeError{PayloadTooLarge}, 1: the header cannot be trusted; skip a byte to resync
//   - *DecodeError{other}, frame length: the frame is consumed and reported
//   - Message, frame length: success
//
// Decode never reads past the returned length and never panics on malformed input.
func (d *Decoder) Decode(buf []byte) (Message, int, error) {
	frameLen, ok := PeekFrameLength(buf)
	if !ok {
		return nil, 0, ErrIncompleteFrame
	}
	version := buf[0]
	msgType := MessageType(buf[1])

	if frameLen-HeaderSize > MaxPayloadSize {
		d.stats.recordResync()
		return nil, 1, &DecodeError{
			Kind: PayloadTooLarge,
			Type: msgType,
			Msg:  fmt.Sprintf("declared %d bytes, limit %d", frameLen-HeaderSize, MaxPayloadSize),
		}
	}
	if len(buf) < frameLen {
		return nil, 0, ErrIncompleteFrame
	}

	if version != Version {
		d.stats.recordDecodeError()
		return nil, frameLen, &DecodeError{Kind: VersionMismatch, Type: msgType, Version: version}
	}

	payload := buf[HeaderSize:frameLen]
	msg, err := d.decodePayload(msgType, payload)
	if err != nil {
		d.stats.recordDecodeError()
		return nil, frameLen, err
	}

	d.stats.recordFrame()
	return msg, frameLen, nil
}

// DecodeFrame decodes a single frame with a throwaway decoder.
func DecodeFrame(buf []byte) (Message, int, error) {
	return NewDecoder(nil).Decode(buf)
}

func (d *Decoder) decodePayload(t MessageType, p []byte) (Message, error) {
	switch t {
	case TypeHeartbeat:
		return &Heartbeat{}, nil
	case TypeWifiScanRequest:
		return &WifiScanRequest{}, nil
	case TypeStatusRequest:
		return &StatusRequest{}, nil
	case TypeBleScanRequest:
		return &BleScanRequest{}, nil
	case TypeIrScanRequest:
		return &IrScanRequest{}, nil
	case TypeNfcScanRequest:
		return &NfcScanRequest{}, nil
	case TypeFileEnd:
		return &FileEnd{}, nil
	case TypeFileAbort:
		return &FileAbort{}, nil
	case TypeSubGhzScanRequest:
		return decodeSubGhzScanRequest(p)
	case TypeSubGhzConfig:
		return decodeSubGhzConfig(p)
	case TypeIrConfig:
		if len(p) < 1 {
			return nil, malformed(t, "empty payload")
		}
		return &IrConfig{DetectOpticom: p[0] != 0}, nil
	case TypeNrf24Config:
		if len(p) < 1 {
			return nil, malformed(t, "empty payload")
		}
		return &Nrf24Config{Promiscuous: p[0] != 0}, nil
	case TypeFileStart:
		return decodeFileStart(p)
	case TypeFileData:
		if len(p) == 0 {
			return nil, malformed(t, "empty chunk")
		}
		return &FileData{Data: bytes.Clone(p)}, nil
	case TypeError:
		return decodeError(p)
	case TypeStatusResponse:
		return decodeStatusResponse(p)
	case TypeWipsAlert:
		return decodeWipsAlert(p)
	case TypeSubGhzScanStatus:
		return decodeSubGhzScanStatus(p)
	case TypeWifiScanResult:
		return d.decodeWifiScanResult(p)
	case TypeSubGhzScanResult:
		return d.decodeSubGhzScanResult(p)
	case TypeBleScanResult:
		return d.decodeBleScanResult(p)
	case TypeIrScanResult:
		return d.decodeIrScanResult(p)
	case TypeNfcScanResult:
		return d.decodeNfcScanResult(p)
	default:
		return nil, &DecodeError{Kind: UnknownType, Type: t}
	}
}

func malformed(t MessageType, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: Malformed, Type: t, Msg: fmt.Sprintf("%s: "+format, append([]any{t}, args...)...)}
}

// fixedString reads a NUL-padded slot, trimming at the first zero byte.
func fixedString(b []byte) (string, bool) {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	if !utf8.Valid(b) {
		return "", false
	}
	return string(b), true
}

// batch walks count fixed-size records after a header, clamping count to
// limit and isolating per-record failures.
func (d *Decoder) batch(name string, records []byte, claimed, limit, size int, parse func(rec []byte) error) {
	count := claimed
	if count > limit {
		d.logger.WithFields(logrus.Fields{
			"record":  name,
			"claimed": claimed,
			"limit":   limit,
		}).Warn("Record count exceeds protocol cap, clamping")
		count = limit
	}

	for i := 0; i < count; i++ {
		off := i * size
		if off+size > len(records) {
			d.skipRecord(&RecordParseError{Record: name, Index: i, Reason: fmt.Sprintf("truncated: need %d bytes, have %d", size, len(records)-off)})
			d.stats.recordSkipped(uint64(count - i - 1))
			return
		}
		if err := parse(records[off : off+size]); err != nil {
			d.skipRecord(&RecordParseError{Record: name, Index: i, Reason: err.Error()})
			continue
		}
		d.stats.recordDecoded()
	}
}

func (d *Decoder) skipRecord(err *RecordParseError) {
	d.stats.recordSkipped(1)
	d.logger.WithError(err).Warn("Dropping malformed record")
}

func decodeSubGhzScanRequest(p []byte) (Message, error) {
	if len(p) < subGhzRequestSize {
		return nil, malformed(TypeSubGhzScanRequest, "payload %d bytes, want %d", len(p), subGhzRequestSize)
	}
	req := &SubGhzScanRequest{
		Start: binary.LittleEndian.Uint32(p[0:4]),
		End:   binary.LittleEndian.Uint32(p[4:8]),
	}
	if err := req.validate(); err != nil {
		return nil, malformed(TypeSubGhzScanRequest, "%v", err)
	}
	return req, nil
}

func decodeSubGhzConfig(p []byte) (Message, error) {
	if len(p) < subGhzConfigSize {
		return nil, malformed(TypeSubGhzConfig, "payload %d bytes, want %d", len(p), subGhzConfigSize)
	}
	return &SubGhzConfig{
		Probe:      SubGhzProbe(p[0]),
		Frequency:  binary.LittleEndian.Uint32(p[1:5]),
		Modulation: p[5],
	}, nil
}

func decodeFileStart(p []byte) (Message, error) {
	if len(p) < fileStartSize {
		return nil, malformed(TypeFileStart, "payload %d bytes, want %d", len(p), fileStartSize)
	}
	path, ok := fixedString(p[4 : 4+MaxFilePathLen])
	if !ok {
		return nil, malformed(TypeFileStart, "path is not valid UTF-8")
	}
	return &FileStart{Size: binary.LittleEndian.Uint32(p[0:4]), Path: path}, nil
}

func decodeError(p []byte) (Message, error) {
	if len(p) < 1 {
		return nil, malformed(TypeError, "empty payload")
	}
	text := p[1:]
	if len(text) > MaxErrorMessageLen {
		text = text[:MaxErrorMessageLen]
	}
	msg, ok := fixedString(text)
	if !ok {
		msg = string(bytes.ToValidUTF8(bytes.TrimRight(text, "\x00"), []byte("?")))
	}
	return &Error{Code: ErrorCode(p[0]), Message: msg}, nil
}

func decodeStatusResponse(p []byte) (Message, error) {
	if len(p) < StatusResponseSize {
		return nil, malformed(TypeStatusResponse, "payload %d bytes, want %d", len(p), StatusResponseSize)
	}
	u16 := func(off int) uint16 { return binary.LittleEndian.Uint16(p[off : off+2]) }
	return &StatusResponse{
		ProtocolVersion:      p[0],
		WifiBoardConnected:   p[1] != 0,
		SubGhzReady:          p[2] != 0,
		BleReady:             p[3] != 0,
		IrReady:              p[4] != 0,
		NfcReady:             p[5] != 0,
		BatteryPercent:       p[6],
		UptimeSeconds:        binary.LittleEndian.Uint32(p[7:11]),
		WifiScanCount:        u16(11),
		SubGhzDetectionCount: u16(13),
		BleScanCount:         u16(15),
		IrDetectionCount:     u16(17),
		NfcDetectionCount:    u16(19),
		WipsAlertCount:       u16(21),
	}, nil
}

func decodeWipsAlert(p []byte) (Message, error) {
	if len(p) < WipsAlertSize {
		return nil, malformed(TypeWipsAlert, "payload %d bytes, want %d", len(p), WipsAlertSize)
	}
	ssid, ok := fixedString(p[6 : 6+ssidFieldLen])
	if !ok {
		return nil, malformed(TypeWipsAlert, "ssid is not valid UTF-8")
	}
	off := 6 + ssidFieldLen
	count := int(p[off])
	if count > MaxWipsBSSIDs {
		count = MaxWipsBSSIDs
	}
	off++
	bssids := make([]MAC, count)
	for i := range bssids {
		copy(bssids[i][:], p[off+i*macLen:])
	}
	off += MaxWipsBSSIDs * macLen
	desc, ok := fixedString(p[off : off+wipsDescriptionLen])
	if !ok {
		return nil, malformed(TypeWipsAlert, "description is not valid UTF-8")
	}
	return &WipsAlert{
		Timestamp:   binary.LittleEndian.Uint32(p[0:4]),
		AlertType:   WipsAlertType(p[4]),
		Severity:    WipsSeverity(p[5]),
		SSID:        ssid,
		BSSIDs:      bssids,
		Description: desc,
	}, nil
}

func decodeSubGhzScanStatus(p []byte) (Message, error) {
	if len(p) < SubGhzScanStatusSize {
		return nil, malformed(TypeSubGhzScanStatus, "payload %d bytes, want %d", len(p), SubGhzScanStatusSize)
	}
	return &SubGhzScanStatus{
		Timestamp:        binary.LittleEndian.Uint32(p[0:4]),
		CurrentFrequency: binary.LittleEndian.Uint32(p[4:8]),
		HopIndex:         p[8],
		HopCount:         p[9],
		Active:           p[10] != 0,
		NoiseFloor:       int8(p[11]),
		DetectionCount:   binary.LittleEndian.Uint32(p[12:16]),
	}, nil
}

func batchHeader(t MessageType, p []byte) (ts uint32, count int, err error) {
	if len(p) < batchHeaderSize {
		return 0, 0, malformed(t, "payload %d bytes, want at least %d", len(p), batchHeaderSize)
	}
	return binary.LittleEndian.Uint32(p[0:4]), int(p[4]), nil
}

func (d *Decoder) decodeWifiScanResult(p []byte) (Message, error) {
	ts, count, err := batchHeader(TypeWifiScanResult, p)
	if err != nil {
		return nil, err
	}
	res := &WifiScanResult{Timestamp: ts, Networks: make([]WifiNetwork, 0, min(count, MaxWifiNetworks))}
	d.batch("wifi_network", p[batchHeaderSize:], count, MaxWifiNetworks, WifiNetworkSize, func(rec []byte) error {
		n, err := parseWifiNetwork(rec)
		if err != nil {
			return err
		}
		res.Networks = append(res.Networks, n)
		return nil
	})
	return res, nil
}

func parseWifiNetwork(rec []byte) (WifiNetwork, error) {
	ssid, ok := fixedString(rec[0:ssidFieldLen])
	if !ok {
		return WifiNetwork{}, fmt.Errorf("ssid is not valid UTF-8")
	}
	n := WifiNetwork{SSID: ssid}
	copy(n.BSSID[:], rec[ssidFieldLen:ssidFieldLen+macLen])
	off := ssidFieldLen + macLen
	n.RSSI = int8(rec[off])
	n.Channel = rec[off+1]
	n.Security = WifiSecurity(rec[off+2])
	n.Hidden = rec[off+3] != 0
	if n.Channel == 0 || n.Channel > 196 {
		return WifiNetwork{}, fmt.Errorf("channel %d out of range", n.Channel)
	}
	if !n.Security.valid() {
		return WifiNetwork{}, fmt.Errorf("unknown security mode %d", uint8(n.Security))
	}
	return n, nil
}

func (d *Decoder) decodeSubGhzScanResult(p []byte) (Message, error) {
	if len(p) < subGhzBatchHeaderSize {
		return nil, malformed(TypeSubGhzScanResult, "payload %d bytes, want at least %d", len(p), subGhzBatchHeaderSize)
	}
	count := int(p[12])
	res := &SubGhzScanResult{
		Timestamp:      binary.LittleEndian.Uint32(p[0:4]),
		FrequencyStart: binary.LittleEndian.Uint32(p[4:8]),
		FrequencyEnd:   binary.LittleEndian.Uint32(p[8:12]),
		Detections:     make([]SubGhzDetection, 0, min(count, MaxSubGhzDetections)),
	}
	d.batch("subghz_detection", p[subGhzBatchHeaderSize:], count, MaxSubGhzDetections, SubGhzDetectionSize, func(rec []byte) error {
		det, err := parseSubGhzDetection(rec)
		if err != nil {
			return err
		}
		res.Detections = append(res.Detections, det)
		return nil
	})
	return res, nil
}

func parseSubGhzDetection(rec []byte) (SubGhzDetection, error) {
	name, ok := fixedString(rec[13 : 13+subGhzNameFieldLen])
	if !ok {
		return SubGhzDetection{}, fmt.Errorf("protocol name is not valid UTF-8")
	}
	det := SubGhzDetection{
		Frequency:    binary.LittleEndian.Uint32(rec[0:4]),
		RSSI:         int8(rec[4]),
		Modulation:   Modulation(rec[5]),
		DurationMs:   binary.LittleEndian.Uint16(rec[6:8]),
		Bandwidth:    binary.LittleEndian.Uint32(rec[8:12]),
		ProtocolID:   rec[12],
		ProtocolName: name,
	}
	if det.Frequency == 0 {
		return SubGhzDetection{}, fmt.Errorf("zero frequency")
	}
	if !det.Modulation.valid() {
		return SubGhzDetection{}, fmt.Errorf("unknown modulation %d", uint8(det.Modulation))
	}
	return det, nil
}

func (d *Decoder) decodeBleScanResult(p []byte) (Message, error) {
	ts, count, err := batchHeader(TypeBleScanResult, p)
	if err != nil {
		return nil, err
	}
	res := &BleScanResult{Timestamp: ts, Devices: make([]BleDevice, 0, min(count, MaxBleDevices))}
	d.batch("ble_device", p[batchHeaderSize:], count, MaxBleDevices, BleDeviceSize, func(rec []byte) error {
		dev, err := parseBleDevice(rec)
		if err != nil {
			return err
		}
		res.Devices = append(res.Devices, dev)
		return nil
	})
	return res, nil
}

func parseBleDevice(rec []byte) (BleDevice, error) {
	var dev BleDevice
	copy(dev.MAC[:], rec[0:macLen])
	off := macLen
	name, ok := fixedString(rec[off : off+bleNameFieldLen])
	if !ok {
		return BleDevice{}, fmt.Errorf("name is not valid UTF-8")
	}
	dev.Name = name
	off += bleNameFieldLen
	dev.RSSI = int8(rec[off])
	dev.AddressType = BleAddressType(rec[off+1])
	dev.Connectable = rec[off+2] != 0
	uuidCount := int(rec[off+3])
	off += 4
	if dev.AddressType > BleAddressRandom {
		return BleDevice{}, fmt.Errorf("unknown address type %d", uint8(dev.AddressType))
	}
	if uuidCount > MaxBleServiceUUIDs {
		uuidCount = MaxBleServiceUUIDs
	}
	dev.ServiceUUIDs = make([]UUID128, uuidCount)
	for i := range dev.ServiceUUIDs {
		copy(dev.ServiceUUIDs[i][:], rec[off+i*uuid128Len:])
	}
	off += MaxBleServiceUUIDs * uuid128Len
	dev.ManufacturerID = binary.LittleEndian.Uint16(rec[off : off+2])
	mfrLen := int(rec[off+2])
	off += 3
	if mfrLen > bleMfrDataFieldLen {
		mfrLen = bleMfrDataFieldLen
	}
	if mfrLen > 0 {
		dev.ManufacturerData = bytes.Clone(rec[off : off+mfrLen])
	}
	return dev, nil
}

func (d *Decoder) decodeIrScanResult(p []byte) (Message, error) {
	ts, count, err := batchHeader(TypeIrScanResult, p)
	if err != nil {
		return nil, err
	}
	res := &IrScanResult{Timestamp: ts, Detections: make([]IrDetection, 0, min(count, MaxIrDetections))}
	d.batch("ir_detection", p[batchHeaderSize:], count, MaxIrDetections, IrDetectionSize, func(rec []byte) error {
		name, ok := fixedString(rec[5 : 5+irNameFieldLen])
		if !ok {
			return fmt.Errorf("protocol name is not valid UTF-8")
		}
		off := 5 + irNameFieldLen
		res.Detections = append(res.Detections, IrDetection{
			Timestamp:      binary.LittleEndian.Uint32(rec[0:4]),
			ProtocolID:     rec[4],
			ProtocolName:   name,
			Address:        binary.LittleEndian.Uint32(rec[off : off+4]),
			Command:        binary.LittleEndian.Uint32(rec[off+4 : off+8]),
			Repeat:         rec[off+8] != 0,
			SignalStrength: int8(rec[off+9]),
		})
		return nil
	})
	return res, nil
}

func (d *Decoder) decodeNfcScanResult(p []byte) (Message, error) {
	ts, count, err := batchHeader(TypeNfcScanResult, p)
	if err != nil {
		return nil, err
	}
	res := &NfcScanResult{Timestamp: ts, Detections: make([]NfcDetection, 0, min(count, MaxNfcDetections))}
	d.batch("nfc_detection", p[batchHeaderSize:], count, MaxNfcDetections, NfcDetectionSize, func(rec []byte) error {
		uidLen := int(rec[nfcUIDFieldLen])
		if uidLen == 0 || uidLen > nfcUIDFieldLen {
			return fmt.Errorf("uid length %d outside 1..%d", uidLen, nfcUIDFieldLen)
		}
		off := nfcUIDFieldLen + 1
		typeName, ok := fixedString(rec[off+4 : off+4+nfcTypeNameFieldLen])
		if !ok {
			return fmt.Errorf("type name is not valid UTF-8")
		}
		res.Detections = append(res.Detections, NfcDetection{
			UID:      bytes.Clone(rec[:uidLen]),
			Type:     rec[off],
			SAK:      rec[off+1],
			ATQA:     [2]byte{rec[off+2], rec[off+3]},
			TypeName: typeName,
		})
		return nil
	})
	return res, nil
}
