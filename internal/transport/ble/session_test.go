package ble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/device"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/protocol"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/testutils"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const testAddress = "AA:BB:CC:DD:EE:FF"

type SessionSuite struct {
	suite.Suite

	Helper *testutils.TestHelper
	Logger *logrus.Logger
}

func TestSessionSuite(t *testing.T) {
	suite.Run(t, new(SessionSuite))
}

func (s *SessionSuite) SetupTest() {
	s.Helper = testutils.NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
}

func (s *SessionSuite) testConfig() Config {
	return Config{
		ConnectTimeout:    time.Second,
		MTUTimeout:        200 * time.Millisecond,
		DiscoveryTimeout:  time.Second,
		SettleDelay:       5 * time.Millisecond,
		LaunchBackoff:     5 * time.Millisecond,
		MaxLaunchAttempts: 3,
	}
}

func (s *SessionSuite) newSession(p *testutils.FakePeripheral) *Session {
	sess, err := NewSession(p, s.testConfig(), s.Logger)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = sess.Close() })
	return sess
}

// history records every published state until the test ends.
type history struct {
	mu     sync.Mutex
	states []device.ConnectionState
}

func (h *history) snapshot() []device.ConnectionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]device.ConnectionState(nil), h.states...)
}

func (s *SessionSuite) record(sess *Session) *history {
	ctx, cancel := context.WithCancel(context.Background())
	s.T().Cleanup(cancel)
	h := &history{}
	ch := sess.Watch(ctx)
	go func() {
		for st := range ch {
			h.mu.Lock()
			h.states = append(h.states, st.State)
			h.mu.Unlock()
		}
	}()
	return h
}

func (s *SessionSuite) waitState(sess *Session, want device.ConnectionState) device.Status {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for st := range sess.Watch(ctx) {
		if st.State == want {
			return st
		}
	}
	s.FailNowf("state not reached", "MUST reach %s, last status %s", want, sess.Status())
	return device.Status{}
}

func (s *SessionSuite) connectReady(p *testutils.FakePeripheral) *Session {
	sess := s.newSession(p)
	s.Require().NoError(sess.Connect(context.Background(), testAddress))
	s.waitState(sess, device.StateReady)
	return sess
}

func (s *SessionSuite) TestConnectReachesReady() {
	// GOAL: a peripheral with the extension running walks the full state sequence to Ready
	//
	// TEST SCENARIO: serial service present → Connecting, Connected, DiscoveringServices, Ready

	p := testutils.NewBridgePeripheral().Build()
	sess := s.newSession(p)
	h := s.record(sess)

	s.Require().NoError(sess.Connect(context.Background(), testAddress))
	st := s.waitState(sess, device.StateReady)

	s.Equal(testAddress, st.Target)
	s.Equal(device.TransportBLE, st.Transport)
	s.Equal(247, sess.MTU())
	s.Equal(1, p.Dials())
	s.Helper.Eventually(func() bool { return len(h.snapshot()) >= 5 }, time.Second)
	s.Equal([]device.ConnectionState{
		device.StateDisconnected,
		device.StateConnecting,
		device.StateConnected,
		device.StateDiscoveringServices,
		device.StateReady,
	}, h.snapshot(), "states MUST be published in connection order")
}

func (s *SessionSuite) TestDuplicateMTUReportsDiscoverOnce() {
	// GOAL: repeated MTU callbacks must not re-trigger service discovery
	//
	// TEST SCENARIO: MTU reported three times → exactly one discovery

	p := testutils.NewBridgePeripheral().WithMTU(185, 3).Build()
	sess := s.connectReady(p)

	time.Sleep(20 * time.Millisecond)
	s.Equal(1, p.Discoveries(), "discovery MUST run once per link")
	s.Equal(185, sess.MTU())
}

func (s *SessionSuite) TestMTUFailureFallsBackToMinimum() {
	p := testutils.NewBridgePeripheral().WithMTUError(errors.New("mtu exchange refused")).Build()
	sess := s.connectReady(p)
	s.Equal(device.DefaultATTMTU, sess.MTU(), "MUST fall back to the BLE minimum MTU")
}

func (s *SessionSuite) TestMTUNeverReported() {
	p := testutils.NewBridgePeripheral().WithMTU(247, 0).Build()
	sess := s.connectReady(p)
	s.Equal(device.DefaultATTMTU, sess.MTU(), "a missing MTU report MUST time out to the minimum")
}

func (s *SessionSuite) TestBootstrapLaunchesExtension() {
	// GOAL: a stock peripheral gets the extension launched and comes back Ready
	//
	// TEST SCENARIO: CLI only → launch → drop → settle → redial → serial service → Ready

	p := testutils.NewStockPeripheral(1).Build()
	sess := s.newSession(p)
	h := s.record(sess)

	s.Require().NoError(sess.Connect(context.Background(), testAddress))
	s.waitState(sess, device.StateReady)

	s.Equal(1, p.Launches())
	s.Equal(2, p.Dials(), "MUST redial exactly once after the launch")
	s.Equal(device.LaunchCommand(device.FirmwareApp), string(p.WrittenBytes(device.CLIWriteUUID)))

	states := h.snapshot()
	s.Contains(states, device.StateLaunchingFirmwareExtension)
	launching := -1
	for i, st := range states {
		if st == device.StateLaunchingFirmwareExtension {
			launching = i
			break
		}
	}
	for _, st := range states[launching+1:] {
		s.Contains([]device.ConnectionState{device.StateLaunchingFirmwareExtension, device.StateReady}, st,
			"the launch sequence MUST NOT publish intermediate connect states")
	}
}

func (s *SessionSuite) TestBootstrapSucceedsOnRetry() {
	// GOAL: seeing the CLI service again counts as a failed attempt and is retried
	//
	// TEST SCENARIO: extension needs two launches → Ready after the second

	p := testutils.NewStockPeripheral(2).Build()
	s.connectReady(p)

	s.Equal(2, p.Launches())
	s.Equal(3, p.Dials())
}

func (s *SessionSuite) TestBootstrapGivesUpAfterMaxAttempts() {
	// GOAL: the launch sequence is bounded and ends in a specific error
	//
	// TEST SCENARIO: extension never starts, 3 attempts → Error(ErrBootstrapFailed) after 3 redials

	p := testutils.NewStockPeripheral(0).Build()
	sess := s.newSession(p)
	s.Require().NoError(sess.Connect(context.Background(), testAddress))

	st := s.waitState(sess, device.StateError)
	s.ErrorIs(st.Err, device.ErrBootstrapFailed)
	s.Equal(3, p.Launches(), "MUST send exactly MaxLaunchAttempts launch commands")
	s.Equal(4, p.Dials(), "MUST reconnect exactly MaxLaunchAttempts times")

	time.Sleep(50 * time.Millisecond)
	s.Equal(4, p.Dials(), "a failed bootstrap MUST NOT retry on its own")
	s.False(p.Connected(), "the link MUST be closed on failure")

	// a fresh user connect starts over with a full attempt budget
	s.Require().NoError(sess.Connect(context.Background(), testAddress))
	st = s.waitState(sess, device.StateError)
	s.ErrorIs(st.Err, device.ErrBootstrapFailed)
	s.Equal(6, p.Launches())
	s.Equal(8, p.Dials())
}

func (s *SessionSuite) TestBootstrapRedialFailureConsumesAttempt() {
	p := testutils.NewStockPeripheral(1).
		WithDialErrors(nil, errors.New("radio restarting")).
		Build()
	s.connectReady(p)

	s.Equal(1, p.Launches())
	s.Equal(3, p.Dials(), "a failed redial MUST be retried after the backoff")
}

func (s *SessionSuite) TestBootstrapSurvivesDropOnLaunch() {
	// GOAL: the scanner closing the link itself right after the launch command
	// does not abandon the bootstrap
	//
	// TEST SCENARIO: launch write → peripheral drops before the write returns → redial → Ready

	p := testutils.NewStockPeripheral(1).Build()
	p.OnWrite(func(w testutils.Write) {
		if device.SameUUID(w.Characteristic, device.CLIWriteUUID) {
			p.DropLink(errors.New("remote closed"))
			// let the disconnect reach the session before the write result
			time.Sleep(50 * time.Millisecond)
		}
	})
	sess := s.newSession(p)
	h := s.record(sess)

	s.Require().NoError(sess.Connect(context.Background(), testAddress))
	s.waitState(sess, device.StateReady)

	s.Equal(1, p.Launches(), "a drop after the launch command MUST NOT cost a relaunch")
	s.Equal(2, p.Dials(), "MUST redial exactly once after the drop")

	states := h.snapshot()
	launching := -1
	for i, st := range states {
		if st == device.StateLaunchingFirmwareExtension {
			launching = i
			break
		}
	}
	s.Require().GreaterOrEqual(launching, 0, "MUST publish LaunchingFirmwareExtension, states %v", states)
	s.NotContains(states[launching+1:], device.StateDisconnected,
		"the drop during the launch sequence MUST NOT be published")

	time.Sleep(50 * time.Millisecond)
	s.Equal(device.StateReady, sess.Status().State, "the stale launch result MUST be ignored")
	s.Equal(2, p.Dials())
}

func (s *SessionSuite) TestConnectFailures() {
	tests := []struct {
		name       string
		peripheral *testutils.FakePeripheralBuilder
		check      func(err error)
	}{
		{
			name:       "incompatible device",
			peripheral: testutils.NewFakePeripheralBuilder().WithService("180F").WithCharacteristic("2A19", "read,notify"),
			check: func(err error) {
				s.ErrorIs(err, device.ErrIncompatibleDevice)
			},
		},
		{
			name: "missing notify characteristic",
			peripheral: testutils.NewFakePeripheralBuilder().
				WithService(device.SerialServiceUUID).
				WithCharacteristic(device.SerialWriteUUID, "write"),
			check: func(err error) {
				var nf *device.NotFoundError
				s.Require().ErrorAs(err, &nf)
				s.Equal("characteristic", nf.Resource)
				s.Equal(device.SerialNotifyUUID, nf.UUIDs[1])
			},
		},
		{
			name: "missing write characteristic",
			peripheral: testutils.NewFakePeripheralBuilder().
				WithService(device.SerialServiceUUID).
				WithCharacteristic(device.SerialNotifyUUID, "notify"),
			check: func(err error) {
				var nf *device.NotFoundError
				s.Require().ErrorAs(err, &nf)
				s.Equal(device.SerialWriteUUID, nf.UUIDs[1])
			},
		},
		{
			name:       "notification enable refused",
			peripheral: testutils.NewBridgePeripheral().WithNotifyError(errors.New("cccd write rejected")),
			check: func(err error) {
				s.ErrorContains(err, "cccd write rejected")
			},
		},
		{
			name:       "dial failure",
			peripheral: testutils.NewBridgePeripheral().WithDialErrors(errors.New("no such device")),
			check: func(err error) {
				s.ErrorContains(err, "no such device")
			},
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			sess := s.newSession(tt.peripheral.Build())
			s.Require().NoError(sess.Connect(context.Background(), testAddress))
			st := s.waitState(sess, device.StateError)
			tt.check(st.Err)
			s.Error(sess.Send([]byte{1, 0, 0, 0}), "Send MUST fail outside Ready")
		})
	}
}

func (s *SessionSuite) TestNoNotifyDescriptorIsImplicitlyReady() {
	p := testutils.NewFakePeripheralBuilder().
		WithService(device.SerialServiceUUID).
		WithCharacteristic(device.SerialWriteUUID, "write").
		WithCharacteristic(device.SerialNotifyUUID, "read").
		Build()
	s.connectReady(p)
}

func (s *SessionSuite) TestUnexpectedDropCleansUp() {
	// GOAL: a transport-level drop runs cleanup before Disconnected is published
	//
	// TEST SCENARIO: Ready → peripheral drops → Disconnected{Unexpected} → Send rejected → reconnect works

	p := testutils.NewBridgePeripheral().Build()
	sess := s.connectReady(p)

	dropErr := errors.New("supervision timeout")
	p.DropLink(dropErr)
	st := s.waitState(sess, device.StateDisconnected)

	s.True(st.Unexpected, "a peripheral drop MUST be marked unexpected")
	s.ErrorIs(st.Err, dropErr)
	s.Zero(sess.MTU(), "link state MUST be cleared before publishing")
	s.ErrorIs(sess.Send([]byte{1, 0, 0, 0}), device.ErrNotReady)

	s.Require().NoError(sess.Connect(context.Background(), testAddress))
	s.waitState(sess, device.StateReady)
	s.Equal(2, p.Dials())
}

func (s *SessionSuite) TestUserDisconnect() {
	p := testutils.NewBridgePeripheral().Build()
	sess := s.connectReady(p)

	s.Require().NoError(sess.Disconnect())
	st := sess.Status()
	s.Equal(device.StateDisconnected, st.State)
	s.False(st.Unexpected, "a requested disconnect MUST NOT be marked unexpected")
	s.False(p.Connected())
}

func (s *SessionSuite) TestConnectWhileConnected() {
	p := testutils.NewBridgePeripheral().Build()
	sess := s.connectReady(p)

	err := sess.Connect(context.Background(), testAddress)
	s.ErrorIs(err, device.ErrAlreadyConnected)
	s.Equal(1, p.Dials())
}

func (s *SessionSuite) TestSendChunksByMTU() {
	// GOAL: outbound frames are split into MTU-3 sized writes without reordering
	//
	// TEST SCENARIO: MTU 23 → 50 byte frame written as 20+20+10

	p := testutils.NewBridgePeripheral().WithMTU(23, 1).Build()
	sess := s.connectReady(p)

	frame, err := protocol.EncodeRequest(&protocol.FileData{Data: make([]byte, 46)})
	s.Require().NoError(err)
	s.Require().Len(frame, 50)
	s.Require().NoError(sess.Send(frame))

	s.Helper.Eventually(func() bool { return len(p.WrittenBytes(device.SerialWriteUUID)) == 50 }, time.Second)

	var sizes []int
	for _, w := range p.Writes() {
		if device.SameUUID(w.Characteristic, device.SerialWriteUUID) {
			sizes = append(sizes, len(w.Data))
		}
	}
	s.Equal([]int{20, 20, 10}, sizes)
	s.Equal(frame, p.WrittenBytes(device.SerialWriteUUID))
}

func (s *SessionSuite) TestFailedWriteDropsOnlyItsFrame() {
	// GOAL: a failed chunk write drops the rest of its frame and the next frame
	// still goes out whole, starting on a chunk boundary
	//
	// TEST SCENARIO: MTU 23 → 50 byte frame, second chunk fails → 20 bytes of it, then the next frame intact

	p := testutils.NewBridgePeripheral().WithMTU(23, 1).Build()
	sess := s.connectReady(p)
	p.FailWrite(2, errors.New("write not permitted"))

	first, err := protocol.EncodeRequest(&protocol.FileData{Data: make([]byte, 46)})
	s.Require().NoError(err)
	next, err := protocol.EncodeRequest(&protocol.StatusRequest{})
	s.Require().NoError(err)
	s.Require().NoError(sess.Send(first))
	s.Require().NoError(sess.Send(next))

	want := append(append([]byte(nil), first[:20]...), next...)
	s.Helper.Eventually(func() bool { return len(p.WrittenBytes(device.SerialWriteUUID)) >= len(want) }, time.Second)
	s.Equal(want, p.WrittenBytes(device.SerialWriteUUID))

	// the queue is aligned again: a later frame is written as is
	s.Require().NoError(sess.Send(next))
	want = append(want, next...)
	s.Helper.Eventually(func() bool { return len(p.WrittenBytes(device.SerialWriteUUID)) >= len(want) }, time.Second)
	s.Equal(want, p.WrittenBytes(device.SerialWriteUUID))
}

func (s *SessionSuite) TestSendBeforeReady() {
	sess := s.newSession(testutils.NewBridgePeripheral().Build())
	s.ErrorIs(sess.Send([]byte{1, 0, 0, 0}), device.ErrNotReady)
}

func (s *SessionSuite) TestRequestReply() {
	// GOAL: a written request reaches the peripheral and its reply is decoded back
	//
	// TEST SCENARIO: StatusRequest → responder → StatusResponse delivered to the handler

	p := testutils.NewBridgePeripheral().
		WithResponder(func(req protocol.Message) []protocol.Message {
			if req.Type() == protocol.TypeStatusRequest {
				return []protocol.Message{&protocol.StatusResponse{ProtocolVersion: 1, BatteryPercent: 77}}
			}
			return nil
		}).
		Build()
	sess := s.newSession(p)

	got := make(chan protocol.Message, 4)
	sess.SetMessageHandler(func(m protocol.Message) { got <- m })

	s.Require().NoError(sess.Connect(context.Background(), testAddress))
	s.waitState(sess, device.StateReady)

	frame, err := protocol.EncodeRequest(&protocol.StatusRequest{})
	s.Require().NoError(err)
	s.Require().NoError(sess.Send(frame))

	select {
	case m := <-got:
		resp, ok := m.(*protocol.StatusResponse)
		s.Require().True(ok, "MUST receive a StatusResponse, got %T", m)
		s.Equal(uint8(77), resp.BatteryPercent)
	case <-time.After(2 * time.Second):
		s.FailNow("no reply received")
	}
}

func (s *SessionSuite) TestNotificationsFeedReceiver() {
	p := testutils.NewBridgePeripheral().Build()
	sess := s.newSession(p)

	got := make(chan protocol.Message, 4)
	sess.SetMessageHandler(func(m protocol.Message) { got <- m })
	s.Require().NoError(sess.Connect(context.Background(), testAddress))
	s.waitState(sess, device.StateReady)

	frame, err := protocol.Encode(&protocol.WipsAlert{SSID: "evil-twin", Description: "rogue AP"})
	s.Require().NoError(err)
	s.True(p.Notify(frame[:7]))
	s.True(p.Notify(frame[7:]))

	select {
	case m := <-got:
		alert, ok := m.(*protocol.WipsAlert)
		s.Require().True(ok)
		s.Equal("evil-twin", alert.SSID)
	case <-time.After(2 * time.Second):
		s.FailNow("notification not decoded")
	}
}

func (s *SessionSuite) TestLateNotificationFromOldLinkIsDropped() {
	// GOAL: a notification the stack delivers after its link was replaced never
	// reaches the receive buffer of the new link
	//
	// TEST SCENARIO: Ready → capture handler → drop → reconnect → old handler feeds half a frame → new frame decodes cleanly

	p := testutils.NewBridgePeripheral().Build()
	sess := s.newSession(p)
	got := make(chan protocol.Message, 4)
	sess.SetMessageHandler(func(m protocol.Message) { got <- m })
	s.Require().NoError(sess.Connect(context.Background(), testAddress))
	s.waitState(sess, device.StateReady)

	stale := p.StaleNotifier()
	p.DropLink(errors.New("supervision timeout"))
	s.waitState(sess, device.StateDisconnected)
	s.Require().NoError(sess.Connect(context.Background(), testAddress))
	s.waitState(sess, device.StateReady)

	old, err := protocol.Encode(&protocol.WipsAlert{SSID: "old-link"})
	s.Require().NoError(err)
	stale(old[:7])

	frame, err := protocol.Encode(&protocol.WipsAlert{SSID: "new-link"})
	s.Require().NoError(err)
	s.True(p.Notify(frame))

	select {
	case m := <-got:
		alert, ok := m.(*protocol.WipsAlert)
		s.Require().True(ok, "MUST decode the new frame, got %T", m)
		s.Equal("new-link", alert.SSID)
	case <-time.After(2 * time.Second):
		s.FailNow("notification not decoded")
	}
	s.Never(func() bool { return len(got) > 0 }, 50*time.Millisecond, 10*time.Millisecond,
		"the stale chunk MUST NOT produce a message")
}

func (s *SessionSuite) TestClosedSession() {
	sess, err := NewSession(testutils.NewBridgePeripheral().Build(), s.testConfig(), s.Logger)
	s.Require().NoError(err)
	s.Require().NoError(sess.Close())
	s.NoError(sess.Close(), "Close MUST be idempotent")
	s.ErrorIs(sess.Connect(context.Background(), testAddress), ErrSessionClosed)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 512, cfg.DesiredMTU)
	assert.Equal(t, 2*time.Second, cfg.SettleDelay)
	assert.Equal(t, 3, cfg.MaxLaunchAttempts)
	assert.Equal(t, device.SerialServiceUUID, cfg.SerialService)
	assert.Equal(t, "loader open flock_bridge\r\n", cfg.LaunchCommand)
	assert.Equal(t, 6*time.Second, cfg.launchDelay(3), "backoff MUST grow linearly with the attempt")

	custom := Config{SettleDelay: time.Second, LaunchCommand: "loader open other\r\n"}
	custom.applyDefaults()
	assert.Equal(t, time.Second, custom.SettleDelay, "explicit values MUST survive defaulting")
	assert.Equal(t, "loader open other\r\n", custom.LaunchCommand)
}

func TestNewSessionValidatesUUIDs(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "defaults", cfg: Config{}},
		{name: "short and dashed forms", cfg: Config{CLIService: "0x8fe5", SerialService: "{8FE5B3D5-2E7F-4A98-2A48-7ACC60FE0000}"}},
		{name: "malformed serial service", cfg: Config{SerialService: "not-a-uuid"}, wantErr: "invalid UUID format at index 0"},
		{name: "malformed CLI write", cfg: Config{CLIWrite: "19ed82ae-ed21-4c9d"}, wantErr: "invalid UUID format at index 4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, err := NewSession(testutils.NewBridgePeripheral().Build(), tt.cfg, testutils.QuietLogger())
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				assert.Nil(t, sess)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, sess.Close())
		})
	}
}
