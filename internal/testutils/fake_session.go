package testutils

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/device"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/observable"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/protocol"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/transport"
)

// FakeSession is an in-memory transport.Session. Connect reaches Ready
// immediately unless told otherwise; sent frames are decoded and recorded.
type FakeSession struct {
	kind    device.TransportKind
	status  *observable.Value[device.Status]
	handler atomic.Pointer[transport.MessageHandler]

	mu         sync.Mutex
	connectErr error
	hold       bool
	sendErr    error
	connects   []string
	sent       []protocol.Message
	responder  Responder
	closed     bool
}

var _ transport.Session = (*FakeSession)(nil)

// NewFakeSession creates a disconnected session of the given kind.
func NewFakeSession(kind device.TransportKind) *FakeSession {
	return &FakeSession{
		kind:   kind,
		status: observable.New(device.Status{Transport: kind, State: device.StateDisconnected}),
	}
}

// WithConnectError makes every Connect fail with err.
func (f *FakeSession) WithConnectError(err error) *FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
	return f
}

// HoldConnecting leaves Connect in Connecting until SetState is called.
func (f *FakeSession) HoldConnecting(hold bool) *FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = hold
	return f
}

// WithSendError makes Send fail with err while Ready.
func (f *FakeSession) WithSendError(err error) *FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
	return f
}

// WithResponder answers each sent request.
func (f *FakeSession) WithResponder(fn Responder) *FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responder = fn
	return f
}

func (f *FakeSession) Kind() device.TransportKind { return f.kind }

func (f *FakeSession) Status() device.Status { return f.status.Get() }

func (f *FakeSession) Watch(ctx context.Context) <-chan device.Status { return f.status.Watch(ctx) }

func (f *FakeSession) SetMessageHandler(h transport.MessageHandler) {
	if h == nil {
		f.handler.Store(nil)
		return
	}
	f.handler.Store(&h)
}

func (f *FakeSession) Connect(_ context.Context, target string) error {
	f.mu.Lock()
	f.connects = append(f.connects, target)
	connectErr, hold := f.connectErr, f.hold
	f.mu.Unlock()

	if !f.status.Get().State.Idle() {
		return device.ErrAlreadyConnected
	}
	f.publish(device.StateConnecting, target, nil, false)
	if connectErr != nil {
		f.publish(device.StateError, target, connectErr, false)
		return connectErr
	}
	if hold {
		return nil
	}
	f.publish(device.StateConnected, target, nil, false)
	f.publish(device.StateReady, target, nil, false)
	return nil
}

func (f *FakeSession) Disconnect() error {
	f.publish(device.StateDisconnected, f.status.Get().Target, nil, false)
	return nil
}

func (f *FakeSession) Send(frame []byte) error {
	if f.status.Get().State != device.StateReady {
		return device.ErrNotReady
	}
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	msg, _, err := protocol.DecodeFrame(frame)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, msg)
	responder := f.responder
	f.mu.Unlock()

	if responder != nil {
		f.Deliver(responder(msg)...)
	}
	return nil
}

func (f *FakeSession) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Deliver hands msgs to the installed handler as if they arrived on the link.
func (f *FakeSession) Deliver(msgs ...protocol.Message) {
	h := f.handler.Load()
	if h == nil {
		return
	}
	for _, m := range msgs {
		(*h)(m)
	}
}

// SetState publishes state for the current target.
func (f *FakeSession) SetState(state device.ConnectionState) {
	f.publish(state, f.status.Get().Target, nil, false)
}

// Drop simulates an unexpected link loss.
func (f *FakeSession) Drop(err error) {
	f.publish(device.StateDisconnected, f.status.Get().Target, err, true)
}

// Connects returns the targets passed to Connect.
func (f *FakeSession) Connects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.connects...)
}

// Sent returns the decoded requests written so far.
func (f *FakeSession) Sent() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message(nil), f.sent...)
}

// SentCount counts written requests of type t.
func (f *FakeSession) SentCount(t protocol.MessageType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if m.Type() == t {
			n++
		}
	}
	return n
}

// ResetSent forgets recorded requests.
func (f *FakeSession) ResetSent() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

// Closed reports whether Close was called.
func (f *FakeSession) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeSession) publish(state device.ConnectionState, target string, err error, unexpected bool) {
	f.status.Set(device.Status{
		Transport:  f.kind,
		State:      state,
		Target:     target,
		Err:        err,
		Unexpected: unexpected,
	})
}
