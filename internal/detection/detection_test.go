package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/config"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/protocol"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var fixedTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func mac(last byte) protocol.MAC { return protocol.MAC{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, last} }

func TestBasicConverter(t *testing.T) {
	conv := BasicConverter{Now: func() time.Time { return fixedTime }}

	tests := []struct {
		name   string
		record Record
		kind   Kind
		id     string
		label  string
		rssi   int
		attrs  map[string]string
	}{
		{
			name:   "wifi",
			record: protocol.WifiNetwork{SSID: "Flock-4F2A", BSSID: mac(1), RSSI: -61, Channel: 6, Hidden: true},
			kind:   KindWifi, id: "AA:BB:CC:DD:EE:01", label: "Flock-4F2A", rssi: -61,
			attrs: map[string]string{"channel": "6", "hidden": "true"},
		},
		{
			name:   "subghz",
			record: protocol.SubGhzDetection{Frequency: 433_920_000, RSSI: -70, DurationMs: 120, ProtocolName: "Princeton"},
			kind:   KindSubGhz, id: "433920000/Princeton", label: "Princeton", rssi: -70,
			attrs: map[string]string{"frequency": "433920000", "duration_ms": "120"},
		},
		{
			name: "ble",
			record: protocol.BleDevice{MAC: mac(2), Name: "Penguin", RSSI: -50, Connectable: true,
				ManufacturerID: 0x09C8, ManufacturerData: []byte{0x01, 0x02}},
			kind: KindBle, id: "AA:BB:CC:DD:EE:02", label: "Penguin", rssi: -50,
			attrs: map[string]string{"connectable": "true", "manufacturer_id": "0x09C8", "manufacturer_data": "0102"},
		},
		{
			name:   "ir",
			record: protocol.IrDetection{ProtocolName: "NEC", Address: 0x10, Command: 0x2F, SignalStrength: -40},
			kind:   KindIr, id: "NEC/00000010", label: "NEC", rssi: -40,
			attrs: map[string]string{"command": "0x2F"},
		},
		{
			name:   "nfc",
			record: protocol.NfcDetection{UID: []byte{0x04, 0xA1, 0xB2, 0xC3}, SAK: 0x08, ATQA: [2]byte{0x00, 0x04}, TypeName: "MIFARE Classic"},
			kind:   KindNfc, id: "04a1b2c3", label: "MIFARE Classic",
			attrs: map[string]string{"sak": "0x08", "atqa": "0004"},
		},
		{
			name: "wips",
			record: &protocol.WipsAlert{AlertType: protocol.WipsEvilTwin, Severity: protocol.SeverityHigh,
				SSID: "CoffeeShop", BSSIDs: []protocol.MAC{mac(3)}, Description: "duplicate SSID"},
			kind: KindWips, id: "evil_twin/CoffeeShop", label: "CoffeeShop",
			attrs: map[string]string{"alert_type": "evil_twin", "bssid_0": "AA:BB:CC:DD:EE:03"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := conv.Convert(tt.record, 4242, nil)
			require.NoError(t, err)
			require.NotNil(t, d)
			assert.Equal(t, tt.kind, d.Kind)
			assert.Equal(t, tt.id, d.Identifier)
			assert.Equal(t, tt.label, d.Name)
			assert.Equal(t, tt.rssi, d.RSSI)
			assert.Equal(t, uint32(4242), d.DeviceTimestamp)
			assert.Equal(t, fixedTime, d.Timestamp)
			for k, v := range tt.attrs {
				assert.Equal(t, v, d.Attributes[k], "attribute %s", k)
			}
		})
	}

	t.Run("wips severity comes from the device", func(t *testing.T) {
		d, err := conv.Convert(&protocol.WipsAlert{Severity: protocol.SeverityCritical}, 0, nil)
		require.NoError(t, err)
		assert.Equal(t, "critical", d.Severity)
	})

	t.Run("only wips carries a severity", func(t *testing.T) {
		d, err := conv.Convert(protocol.WifiNetwork{SSID: "x"}, 0, nil)
		require.NoError(t, err)
		assert.Empty(t, d.Severity)
	})

	t.Run("unsupported record", func(t *testing.T) {
		_, err := conv.Convert(protocol.StatusResponse{}, 0, nil)
		assert.ErrorIs(t, err, ErrUnsupportedRecord)
	})
}

func TestRecords(t *testing.T) {
	assert.Len(t, Records(&protocol.WifiScanResult{Networks: make([]protocol.WifiNetwork, 3)}), 3)
	assert.Len(t, Records(&protocol.NfcScanResult{Detections: make([]protocol.NfcDetection, 2)}), 2)
	assert.Len(t, Records(&protocol.WipsAlert{}), 1)
	assert.Empty(t, Records(&protocol.StatusResponse{}))
	assert.Empty(t, Records(&protocol.Heartbeat{}))
	assert.Equal(t, uint32(77), Timestamp(&protocol.BleScanResult{Timestamp: 77}))
}

// recordingSink keeps every detection it receives.
type recordingSink struct {
	mu   sync.Mutex
	got  []*Detection
	fail error
}

func (r *recordingSink) Alert(_ context.Context, d *Detection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.got = append(r.got, d)
	return nil
}

func (r *recordingSink) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.got))
	for _, d := range r.got {
		out = append(out, d.Key())
	}
	return out
}

type staticLocation struct {
	loc *Location
	err error
}

func (s staticLocation) CurrentLocation(context.Context) (*Location, error) { return s.loc, s.err }

type PipelineSuite struct {
	suite.Suite

	Helper   *testutils.TestHelper
	Sink     *recordingSink
	Pipeline *Pipeline
	clock    time.Time
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) SetupTest() {
	s.Helper = testutils.NewTestHelper(s.T())
	s.Sink = &recordingSink{}
	s.clock = fixedTime
	s.Pipeline = NewPipeline(nil, s.Sink, PipelineConfig{DedupWindow: time.Minute, MaxTracked: 4}, s.Helper.Logger)
	s.Pipeline.now = func() time.Time { return s.clock }
}

func (s *PipelineSuite) wifi(macs ...byte) *protocol.WifiScanResult {
	res := &protocol.WifiScanResult{Timestamp: 10}
	for _, m := range macs {
		res.Networks = append(res.Networks, protocol.WifiNetwork{SSID: "net", BSSID: mac(m)})
	}
	return res
}

func (s *PipelineSuite) TestForwardsEveryNewRecord() {
	s.Pipeline.Handle(context.Background(), s.wifi(1, 2, 3))
	s.Equal([]string{"wifi/AA:BB:CC:DD:EE:01", "wifi/AA:BB:CC:DD:EE:02", "wifi/AA:BB:CC:DD:EE:03"}, s.Sink.keys(),
		"records MUST be forwarded in batch order")
	s.Equal(uint64(3), s.Pipeline.Stats().Forwarded)
}

func (s *PipelineSuite) TestDuplicatesInsideWindowAreDropped() {
	// GOAL: one emitter seen repeatedly inside the window produces one detection
	//
	// TEST SCENARIO: sighting → repeat within window dropped → repeat after window forwarded

	s.Pipeline.Handle(context.Background(), s.wifi(1))
	s.clock = s.clock.Add(30 * time.Second)
	s.Pipeline.Handle(context.Background(), s.wifi(1))
	s.Len(s.Sink.keys(), 1, "a repeat inside the window MUST be suppressed")
	s.Equal(uint64(1), s.Pipeline.Stats().Duplicates)

	s.clock = s.clock.Add(31 * time.Second)
	s.Pipeline.Handle(context.Background(), s.wifi(1))
	s.Len(s.Sink.keys(), 2, "a repeat after the window MUST be forwarded again")
}

func (s *PipelineSuite) TestDedupTableEvictsOldest() {
	s.Pipeline.Handle(context.Background(), s.wifi(1, 2, 3, 4))
	s.Pipeline.Handle(context.Background(), s.wifi(5))
	s.Pipeline.Handle(context.Background(), s.wifi(1))
	s.Len(s.Sink.keys(), 6, "the oldest entry MUST be evicted once the table is full")

	s.Pipeline.Handle(context.Background(), s.wifi(4))
	s.Len(s.Sink.keys(), 6, "recent entries MUST still be tracked")
}

func (s *PipelineSuite) TestWipsToggles() {
	alert := &protocol.WipsAlert{AlertType: protocol.WipsDeauthAttack, SSID: "home"}

	toggles := config.Default().Wips
	toggles.DeauthAttack = false
	s.Pipeline.SetWipsToggles(toggles)
	s.Pipeline.Handle(context.Background(), alert)
	s.Empty(s.Sink.keys(), "a disabled alert type MUST NOT be forwarded")
	s.Equal(uint64(1), s.Pipeline.Stats().Filtered)

	s.Pipeline.Handle(context.Background(), &protocol.WipsAlert{AlertType: protocol.WipsRogueAP, SSID: "home"})
	s.Equal([]string{"wips/rogue_ap/home"}, s.Sink.keys())
}

func (s *PipelineSuite) TestLocationIsAttached() {
	s.Pipeline.SetLocationProvider(staticLocation{loc: &Location{Latitude: 47.6, Longitude: -122.3}})
	s.Pipeline.Handle(context.Background(), s.wifi(1))
	s.Require().Len(s.Sink.got, 1)
	s.Equal(47.6, s.Sink.got[0].Location.Latitude)

	s.Pipeline.SetLocationProvider(staticLocation{err: errors.New("no fix")})
	s.Pipeline.Handle(context.Background(), s.wifi(2))
	s.Require().Len(s.Sink.got, 2)
	s.Nil(s.Sink.got[1].Location, "a failed fix MUST NOT block the detection")
}

func (s *PipelineSuite) TestSinkFailureIsCounted() {
	s.Sink.fail = errors.New("broker down")
	s.Pipeline.Handle(context.Background(), s.wifi(1, 2))
	s.Equal(uint64(2), s.Pipeline.Stats().Failed)
	s.Zero(s.Pipeline.Stats().Forwarded)
}

func (s *PipelineSuite) TestRunConsumesUntilClosed() {
	msgs := make(chan protocol.Message)
	settings := make(chan config.Settings, 1)
	done := make(chan error, 1)
	go func() { done <- s.Pipeline.Run(context.Background(), msgs, settings) }()

	next := config.Default()
	next.Wips.RogueAP = false
	settings <- next
	close(settings)

	s.Helper.Eventually(func() bool { return !s.Pipeline.wips.Load().RogueAP }, time.Second)
	msgs <- &protocol.WipsAlert{AlertType: protocol.WipsRogueAP}
	msgs <- &protocol.StatusResponse{}
	msgs <- s.wifi(9)
	close(msgs)

	s.NoError(<-done)
	s.Equal([]string{"wifi/AA:BB:CC:DD:EE:09"}, s.Sink.keys())
}

func TestConsoleSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsoleSink(&buf)

	err := sink.Alert(context.Background(), &Detection{
		Kind: KindWips, Identifier: "evil_twin/cafe", Name: "cafe", Severity: "high",
		Timestamp: fixedTime, Attributes: map[string]string{"b": "2", "a": "1"},
	})
	require.NoError(t, err)

	line := buf.String()
	assert.Contains(t, line, "12:00:00 wips")
	assert.Contains(t, line, `evil_twin/cafe "cafe"`)
	assert.Contains(t, line, "severity=high a=1 b=2")
	assert.NotContains(t, line, "\x1b[", "a non-terminal writer MUST get plain text")
}

func TestMultiSink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{fail: errors.New("b failed")}
	c := &recordingSink{}
	err := MultiSink{a, b, c}.Alert(context.Background(), &Detection{Kind: KindNfc, Identifier: "01"})
	assert.ErrorContains(t, err, "b failed")
	assert.Len(t, a.keys(), 1)
	assert.Len(t, c.keys(), 1, "one failing sink MUST NOT starve the others")
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(subject string, data []byte) error {
	return m.Called(subject, data).Error(0)
}

func TestNATSSink(t *testing.T) {
	pub := &mockPublisher{}
	var payload []byte
	pub.On("Publish", "flock.detection.ble", mock.Anything).
		Run(func(args mock.Arguments) { payload = args.Get(1).([]byte) }).
		Return(nil).Once()
	pub.On("Publish", "flock.detection.ir", mock.Anything).Return(errors.New("no responders")).Once()

	sink := NewNATSSink(pub, testutils.QuietLogger())
	require.NoError(t, sink.Alert(context.Background(), &Detection{Kind: KindBle, Identifier: "AA", RSSI: -40, Timestamp: fixedTime}))
	assert.ErrorContains(t, sink.Alert(context.Background(), &Detection{Kind: KindIr}), "publish flock.detection.ir")
	pub.AssertExpectations(t)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "ble", decoded["kind"])
	assert.Equal(t, "AA", decoded["identifier"])
	assert.EqualValues(t, -40, decoded["rssi"])
	assert.NoError(t, sink.Close(), "a sink without its own connection MUST close cleanly")
}
