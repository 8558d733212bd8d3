package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/device"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/protocol"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type ClientSuite struct {
	suite.Suite

	Helper *testutils.TestHelper
	BLE    *testutils.FakeSession
	USB    *testutils.FakeSession
	Client *Client
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

func (s *ClientSuite) SetupTest() {
	s.Helper = testutils.NewTestHelper(s.T())
	s.BLE = testutils.NewFakeSession(device.TransportBLE)
	s.USB = testutils.NewFakeSession(device.TransportUSB)
	s.Client = New(Config{StatusPollInterval: 2 * time.Millisecond}, s.Helper.Logger, s.BLE, s.USB)
}

func (s *ClientSuite) TearDownTest() {
	s.Require().NoError(s.Client.Close())
}

func (s *ClientSuite) waitClientState(want device.ConnectionState) {
	s.Helper.Eventually(func() bool { return s.Client.Status().State == want }, 2*time.Second,
		"client MUST reach %s", want)
}

func (s *ClientSuite) receive(sub *Subscription) protocol.Message {
	select {
	case m, ok := <-sub.C():
		s.Require().True(ok, "subscription closed unexpectedly")
		return m
	case <-time.After(2 * time.Second):
		s.FailNow("no message delivered")
		return nil
	}
}

func (s *ClientSuite) TestConnectRoutesSend() {
	s.Require().NoError(s.Client.ConnectAndWait(context.Background(), device.TransportBLE, "AA:BB", time.Second))
	s.True(s.Client.IsReady())
	s.waitClientState(device.StateReady)

	s.True(s.Client.Send(&protocol.WifiScanRequest{}))
	s.Equal(1, s.BLE.SentCount(protocol.TypeWifiScanRequest))
	s.Empty(s.USB.Sent())

	target, ok := s.Client.LastTarget()
	s.Require().True(ok)
	s.Equal(Target{Kind: device.TransportBLE, Address: "AA:BB"}, target)
}

func (s *ClientSuite) TestSendWithoutReadySession() {
	s.False(s.Client.IsReady())
	s.False(s.Client.Send(&protocol.StatusRequest{}), "send MUST report false when nothing is ready")
	s.False(s.Client.SendRaw([]byte{0x01, 0x00, 0x00, 0x00}))
	s.ErrorIs(s.Client.SendRequest(&protocol.StatusRequest{}), device.ErrNotReady)
}

func (s *ClientSuite) TestInvalidRequestIsNotSent() {
	s.Require().NoError(s.Client.ConnectAndWait(context.Background(), device.TransportUSB, "/dev/ttyACM0", time.Second))

	var verr *protocol.ValidationError
	s.ErrorAs(s.Client.SendRequest(&protocol.SubGhzScanRequest{Start: 900_000_000, End: 300_000_000}), &verr)
	s.Empty(s.USB.Sent())
}

func (s *ClientSuite) TestMulticastInDecodeOrder() {
	// GOAL: every subscriber sees every message of the active session in decode order
	//
	// TEST SCENARIO: two subscribers, three messages → both receive all three in order

	s.Require().NoError(s.Client.ConnectAndWait(context.Background(), device.TransportBLE, "AA:BB", time.Second))
	a := s.Client.Subscribe(0)
	b := s.Client.Subscribe(8)
	s.Equal(2, s.Client.Subscribers())

	msgs := []protocol.Message{
		&protocol.Heartbeat{},
		&protocol.WifiScanResult{Timestamp: 1},
		&protocol.BleScanResult{Timestamp: 2},
	}
	s.BLE.Deliver(msgs...)

	for _, sub := range []*Subscription{a, b} {
		for _, want := range msgs {
			s.Equal(want, s.receive(sub))
		}
	}

	a.Close()
	s.Equal(1, s.Client.Subscribers())
	_, ok := <-a.C()
	s.False(ok, "a closed subscription MUST close its channel")
}

func (s *ClientSuite) TestInactiveSessionIsNotForwarded() {
	s.Require().NoError(s.Client.ConnectAndWait(context.Background(), device.TransportBLE, "AA:BB", time.Second))
	sub := s.Client.Subscribe(0)

	s.USB.Deliver(&protocol.WifiScanResult{Timestamp: 99})
	s.BLE.Deliver(&protocol.Heartbeat{})

	s.IsType(&protocol.Heartbeat{}, s.receive(sub), "messages of the inactive session MUST be dropped")
}

func (s *ClientSuite) TestSlowSubscriberLosesOldest() {
	s.Require().NoError(s.Client.ConnectAndWait(context.Background(), device.TransportBLE, "AA:BB", time.Second))
	sub := s.Client.Subscribe(4)

	for i := uint32(1); i <= 64; i++ {
		s.BLE.Deliver(&protocol.WifiScanResult{Timestamp: i})
	}

	// the last message is always delivered eventually
	var last uint32
	deadline := time.After(2 * time.Second)
	for last != 64 {
		select {
		case m := <-sub.C():
			r := m.(*protocol.WifiScanResult)
			s.Greater(r.Timestamp, last, "delivery MUST preserve order")
			last = r.Timestamp
		case <-deadline:
			s.FailNowf("newest message lost", "last delivered %d", last)
		}
	}
	s.Positive(sub.Overwritten(), "a slow subscriber MUST lose older messages")
}

func (s *ClientSuite) TestCachesLastKnownState() {
	s.Require().NoError(s.Client.ConnectAndWait(context.Background(), device.TransportBLE, "AA:BB", time.Second))
	s.Nil(s.Client.LastStatus())
	s.Nil(s.Client.LastWipsAlert())

	s.BLE.Deliver(
		&protocol.StatusResponse{ProtocolVersion: 1, BatteryPercent: 80},
		&protocol.WipsAlert{SSID: "evil-twin", Severity: 3},
	)
	s.Require().NotNil(s.Client.LastStatus())
	s.Equal(uint8(80), s.Client.LastStatus().BatteryPercent)
	s.Require().NotNil(s.Client.LastWipsAlert())
	s.Equal("evil-twin", s.Client.LastWipsAlert().SSID)
}

func (s *ClientSuite) TestRequestStatus() {
	s.USB.WithResponder(func(req protocol.Message) []protocol.Message {
		if _, ok := req.(*protocol.StatusRequest); ok {
			return []protocol.Message{&protocol.StatusResponse{ProtocolVersion: 1, UptimeSeconds: 42}}
		}
		return nil
	})
	s.Require().NoError(s.Client.ConnectAndWait(context.Background(), device.TransportUSB, "/dev/ttyACM0", time.Second))

	// a stale cached value MUST NOT satisfy a new request
	s.USB.Deliver(&protocol.StatusResponse{UptimeSeconds: 1})

	st, err := s.Client.RequestStatus(context.Background(), time.Second)
	s.Require().NoError(err)
	s.Equal(uint32(42), st.UptimeSeconds)
	s.Equal(1, s.USB.SentCount(protocol.TypeStatusRequest))
}

func (s *ClientSuite) TestRequestStatusTimesOut() {
	s.Require().NoError(s.Client.ConnectAndWait(context.Background(), device.TransportUSB, "/dev/ttyACM0", time.Second))

	_, err := s.Client.RequestStatus(context.Background(), 30*time.Millisecond)
	s.ErrorIs(err, ErrStatusTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Client.RequestStatus(ctx, time.Second)
	s.ErrorIs(err, context.Canceled)
}

func (s *ClientSuite) TestRequestStatusIsSerialized() {
	// GOAL: concurrent status requests never overlap on the wire
	//
	// TEST SCENARIO: three concurrent callers → three requests, each answered before the next is sent

	var (
		mu       sync.Mutex
		pending  bool
		overlaps int
	)
	s.USB.WithResponder(func(req protocol.Message) []protocol.Message {
		if _, ok := req.(*protocol.StatusRequest); !ok {
			return nil
		}
		mu.Lock()
		if pending {
			overlaps++
		}
		pending = true
		mu.Unlock()

		go func() {
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			pending = false
			mu.Unlock()
			s.USB.Deliver(&protocol.StatusResponse{ProtocolVersion: 1})
		}()
		return nil
	})
	s.Require().NoError(s.Client.ConnectAndWait(context.Background(), device.TransportUSB, "/dev/ttyACM0", time.Second))

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Client.RequestStatus(context.Background(), time.Second)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.NoError(err)
	}
	s.Equal(3, s.USB.SentCount(protocol.TypeStatusRequest))
	mu.Lock()
	defer mu.Unlock()
	s.Zero(overlaps, "a status request MUST NOT be sent while another is unanswered")
}

func (s *ClientSuite) TestReadySessionTakesOverPendingOne() {
	// GOAL: a session reaching Ready replaces a pending attempt on the other transport
	//
	// TEST SCENARIO: BLE stuck connecting, USB connects → USB active, BLE disconnected

	s.BLE.HoldConnecting(true)
	s.Require().NoError(s.Client.Connect(context.Background(), device.TransportBLE, "AA:BB"))
	s.waitClientState(device.StateConnecting)
	s.Equal(device.TransportBLE, s.Client.Active())

	s.Require().NoError(s.Client.Connect(context.Background(), device.TransportUSB, "/dev/ttyACM0"))
	s.Helper.Eventually(func() bool { return s.Client.Active() == device.TransportUSB }, 2*time.Second)
	s.waitClientState(device.StateReady)
	s.Equal(device.TransportUSB, s.Client.Status().Transport)
	s.Helper.Eventually(func() bool { return s.BLE.Status().State == device.StateDisconnected }, 2*time.Second,
		"the replaced session MUST be disconnected")

	s.True(s.Client.Send(&protocol.NfcScanRequest{}))
	s.Equal(1, s.USB.SentCount(protocol.TypeNfcScanRequest))
	s.Zero(s.BLE.SentCount(protocol.TypeNfcScanRequest))
}

func (s *ClientSuite) TestConnectAndWaitFailures() {
	tests := []struct {
		name  string
		setup func()
		check func(err error)
	}{
		{
			name:  "connect error",
			setup: func() { s.BLE.WithConnectError(device.ErrBootstrapFailed) },
			check: func(err error) { s.ErrorIs(err, device.ErrBootstrapFailed) },
		},
		{
			name:  "timeout",
			setup: func() { s.BLE.HoldConnecting(true) },
			check: func(err error) {
				s.ErrorIs(err, ErrConnectTimeout)
				s.Equal(device.StateDisconnected, s.BLE.Status().State, "a timed out attempt MUST be disconnected")
			},
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.BLE.WithConnectError(nil).HoldConnecting(false)
			s.BLE.SetState(device.StateDisconnected)
			tt.setup()
			tt.check(s.Client.ConnectAndWait(context.Background(), device.TransportBLE, "AA:BB", 50*time.Millisecond))
		})
	}
}

func (s *ClientSuite) TestDisconnectIsUserRequested() {
	s.Require().NoError(s.Client.ConnectAndWait(context.Background(), device.TransportBLE, "AA:BB", time.Second))
	s.Require().NoError(s.Client.Disconnect())

	s.Helper.Eventually(func() bool {
		st := s.Client.Status()
		return st.State == device.StateDisconnected && !st.Unexpected
	}, 2*time.Second)
	s.False(s.Client.IsReady())
}

func (s *ClientSuite) TestUnexpectedDropIsForwarded() {
	s.Require().NoError(s.Client.ConnectAndWait(context.Background(), device.TransportBLE, "AA:BB", time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	updates := s.Client.Watch(ctx)

	s.BLE.Drop(errors.New("supervision timeout"))
	for st := range updates {
		if st.State == device.StateDisconnected {
			s.True(st.Unexpected)
			s.ErrorContains(st.Err, "supervision timeout")
			return
		}
	}
	s.Fail("drop not forwarded")
}

func (s *ClientSuite) TestCloseClosesEverything() {
	sub := s.Client.Subscribe(0)
	s.Require().NoError(s.Client.Close())

	_, ok := <-sub.C()
	s.False(ok)
	s.True(s.BLE.Closed())
	s.True(s.USB.Closed())
	s.ErrorIs(s.Client.Connect(context.Background(), device.TransportBLE, "AA:BB"), ErrClosed)
}

func (s *ClientSuite) TestUnknownTransport() {
	c := New(Config{}, s.Helper.Logger, testutils.NewFakeSession(device.TransportUSB))
	defer c.Close()
	s.ErrorIs(c.Connect(context.Background(), device.TransportBLE, "AA:BB"), ErrNoSession)
}
