// Package ble implements the BLE transport session: MTU negotiation, service
// discovery and the launch-and-reconnect bootstrap of the firmware extension.
//
// All connection state is owned by a single event-loop goroutine. Link
// callbacks, timers and user commands post events into it; every event
// carries the generation of the link it belongs to so callbacks from a torn
// down link are dropped.
package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/device"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/groutine"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/observable"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/transport"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
)

var (
	// ErrSessionClosed is returned by every operation after Close.
	ErrSessionClosed = errors.New("ble session closed")
	// ErrOutboundFull means the send queue cannot take the whole frame.
	ErrOutboundFull = errors.New("ble outbound queue full")
)

type eventKind int

const (
	cmdConnect eventKind = iota
	cmdDisconnect
	cmdClose
	evDialed
	evMTU
	evDiscovered
	evNotifyEnabled
	evLaunchSent
	evRelaunch
	evRedial
	evLinkLost
)

func (k eventKind) String() string {
	switch k {
	case cmdConnect:
		return "connect"
	case cmdDisconnect:
		return "disconnect"
	case cmdClose:
		return "close"
	case evDialed:
		return "dialed"
	case evMTU:
		return "mtu"
	case evDiscovered:
		return "discovered"
	case evNotifyEnabled:
		return "notify_enabled"
	case evLaunchSent:
		return "launch_sent"
	case evRelaunch:
		return "relaunch"
	case evRedial:
		return "redial"
	case evLinkLost:
		return "link_lost"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

type event struct {
	kind     eventKind
	gen      uint64
	target   string
	link     device.Link
	mtu      int
	services []device.Service
	err      error
	reply    chan error
}

// Session is the BLE transport.Session.
type Session struct {
	cfg      Config
	dialer   device.Dialer
	logger   *logrus.Logger
	receiver *transport.Receiver
	status   *observable.Value[device.Status]

	events chan event
	done   chan struct{}
	closed sync.Once
	mtu    atomic.Int32

	// send path, shared with callers of Send
	wmu    sync.Mutex
	out    *ringbuffer.RingBuffer
	frames []int // bytes left of each queued frame, head first
	w      *writer

	// owned by the event loop
	gen        uint64
	target     string
	link       device.Link
	linkCtx    context.Context
	linkCancel context.CancelFunc
	mtuHandled bool
	mtuTimer   *time.Timer
	timer      *time.Timer
	launching  bool
	attempts   int

	// a launch command is in flight on the current link
	launchPending bool

	writeWithResponse bool
}

var _ transport.Session = (*Session)(nil)

// NewSession creates a session and starts its event loop. It fails when a
// configured UUID is malformed.
func NewSession(dialer device.Dialer, cfg Config, logger *logrus.Logger) (*Session, error) {
	if logger == nil {
		logger = logrus.New()
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Session{
		cfg:      cfg,
		dialer:   dialer,
		logger:   logger,
		receiver: transport.NewReceiver(logger),
		status:   observable.New(device.Status{Transport: device.TransportBLE, State: device.StateDisconnected}),
		events:   make(chan event, 64),
		done:     make(chan struct{}),
		out:      ringbuffer.New(cfg.OutboundBuffer),
		linkCtx:  context.Background(),
	}
	groutine.Go(context.Background(), "ble-session-loop", s.loop)
	return s, nil
}

func (s *Session) Kind() device.TransportKind { return device.TransportBLE }

func (s *Session) Status() device.Status { return s.status.Get() }

func (s *Session) Watch(ctx context.Context) <-chan device.Status { return s.status.Watch(ctx) }

func (s *Session) SetMessageHandler(h transport.MessageHandler) { s.receiver.SetHandler(h) }

// MTU returns the negotiated ATT MTU of the current link, or 0.
func (s *Session) MTU() int { return int(s.mtu.Load()) }

// Stats exposes the receive pipeline counters.
func (s *Session) Stats() string { return s.receiver.Stats().String() }

// Connect starts connecting to address. It fails with
// device.ErrAlreadyConnected unless the session is idle. A fresh connect
// resets the launch attempt counter.
func (s *Session) Connect(ctx context.Context, address string) error {
	if address == "" {
		return fmt.Errorf("ble connect: empty address")
	}
	return s.request(ctx, event{kind: cmdConnect, target: address})
}

// Disconnect tears down the link. The resulting Disconnected status is not
// marked unexpected.
func (s *Session) Disconnect() error {
	return s.request(context.Background(), event{kind: cmdDisconnect})
}

// Close disconnects and stops the event loop.
func (s *Session) Close() error {
	s.closed.Do(func() {
		select {
		case s.events <- event{kind: cmdClose}:
		case <-s.done:
		}
	})
	<-s.done
	return nil
}

// Send queues one frame. It is written in MTU sized chunks by the writer.
func (s *Session) Send(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.w == nil || s.status.Get().State != device.StateReady {
		return device.ErrNotReady
	}
	if s.out.Free() < len(frame) {
		return fmt.Errorf("%w: %d bytes pending", ErrOutboundFull, s.out.Length())
	}
	if _, err := s.out.Write(frame); err != nil {
		return fmt.Errorf("queue frame: %w", err)
	}
	s.frames = append(s.frames, len(frame))
	s.w.wake()
	return nil
}

func (s *Session) request(ctx context.Context, ev event) error {
	ev.reply = make(chan error, 1)
	select {
	case s.events <- ev:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ev.reply:
		return err
	case <-s.done:
		return ErrSessionClosed
	}
}

// post delivers an event from a callback, timer or worker goroutine.
func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Session) loop(ctx context.Context) {
	defer close(s.done)
	s.logger.WithField("goroutine", groutine.GetName(ctx)).Debug("BLE session loop started")

	for ev := range s.events {
		switch ev.kind {
		case cmdConnect:
			ev.reply <- s.handleConnect(ev.target)
		case cmdDisconnect:
			s.teardown()
			s.publish(device.StateDisconnected, nil, false)
			ev.reply <- nil
		case cmdClose:
			s.teardown()
			s.publish(device.StateDisconnected, nil, false)
			s.logger.Debug("BLE session loop stopped")
			return
		default:
			if ev.gen != s.gen {
				s.discardStale(ev)
				continue
			}
			s.handleLinkEvent(ev)
		}
	}
}

func (s *Session) handleLinkEvent(ev event) {
	switch ev.kind {
	case evDialed:
		s.onDialed(ev.link, ev.err)
	case evMTU:
		s.onMTU(ev.mtu, ev.err)
	case evDiscovered:
		s.onDiscovered(ev.services, ev.err)
	case evNotifyEnabled:
		s.onNotifyEnabled(ev.err)
	case evLaunchSent:
		s.onLaunchSent(ev.err)
	case evRelaunch:
		s.launch()
	case evRedial:
		s.dial()
	case evLinkLost:
		if s.launching {
			s.onLaunchLinkLost(ev.err)
			return
		}
		s.logger.WithError(ev.err).WithField("address", s.target).Warn("BLE link lost")
		s.teardown()
		s.publish(device.StateDisconnected, ev.err, true)
	}
}

func (s *Session) discardStale(ev event) {
	if ev.kind == evDialed && ev.link != nil {
		_ = ev.link.Close()
	}
	s.logger.WithFields(logrus.Fields{
		"event":      ev.kind,
		"event_gen":  ev.gen,
		"active_gen": s.gen,
	}).Debug("Ignoring event from a previous link")
}

func (s *Session) handleConnect(address string) error {
	if st := s.status.Get().State; !st.Idle() {
		return fmt.Errorf("%w: session is %s", device.ErrAlreadyConnected, st)
	}
	s.teardown()
	s.target = address
	s.logger.WithField("address", address).Info("Connecting to scanner over BLE...")
	s.publish(device.StateConnecting, nil, false)
	s.dial()
	return nil
}

// dial opens a new link generation.
func (s *Session) dial() {
	gen := s.nextGen()
	if s.linkCancel != nil {
		s.linkCancel()
	}
	s.linkCtx, s.linkCancel = context.WithCancel(context.Background())
	ctx, target, timeout := s.linkCtx, s.target, s.cfg.ConnectTimeout

	events := device.LinkEvents{
		OnMTU: func(mtu int, err error) {
			s.post(event{kind: evMTU, gen: gen, mtu: mtu, err: err})
		},
		OnDisconnect: func(err error) {
			s.post(event{kind: evLinkLost, gen: gen, err: err})
		},
	}

	groutine.Go(ctx, "ble-dial", func(ctx context.Context) {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		link, err := s.dialer.Dial(dialCtx, target, events)
		s.post(event{kind: evDialed, gen: gen, link: link, err: err})
	})
}

func (s *Session) onDialed(link device.Link, err error) {
	if err != nil {
		if s.launching {
			// the radio stack may still be restarting
			s.retryLaunch(fmt.Errorf("redial: %w", err), false)
			return
		}
		s.fail(fmt.Errorf("dial %s: %w", s.target, err))
		return
	}

	s.link = link
	s.mtuHandled = false
	s.progress(device.StateConnected)
	s.logger.WithField("address", s.target).Debug("BLE link established, negotiating MTU")

	gen := s.gen
	s.mtuTimer = time.AfterFunc(s.cfg.MTUTimeout, func() {
		s.post(event{kind: evMTU, gen: gen, err: device.ErrTimeout})
	})
	if err := link.RequestMTU(s.cfg.DesiredMTU); err != nil {
		s.onMTU(0, err)
	}
}

// onMTU runs discovery exactly once per link; repeated reports are ignored.
func (s *Session) onMTU(mtu int, err error) {
	if s.mtuHandled {
		s.logger.WithField("mtu", mtu).Debug("Ignoring duplicate MTU report")
		return
	}
	s.mtuHandled = true
	stopTimer(&s.mtuTimer)

	if err != nil || mtu < device.DefaultATTMTU {
		s.logger.WithError(err).WithField("mtu", mtu).Warn("MTU negotiation failed, using the BLE minimum")
		mtu = device.DefaultATTMTU
	}
	s.mtu.Store(int32(mtu))
	s.logger.WithField("mtu", mtu).Debug("MTU negotiated")

	s.progress(device.StateDiscoveringServices)
	link, gen, timeout := s.link, s.gen, s.cfg.DiscoveryTimeout
	groutine.Go(s.linkCtx, "ble-discover", func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		services, err := link.DiscoverServices(ctx)
		s.post(event{kind: evDiscovered, gen: gen, services: services, err: err})
	})
}

func (s *Session) onDiscovered(services []device.Service, err error) {
	if err != nil {
		s.fail(fmt.Errorf("service discovery: %w", err))
		return
	}

	if svc, ok := device.FindService(services, s.cfg.SerialService); ok {
		s.enableSerial(svc)
		return
	}
	if svc, ok := device.FindService(services, s.cfg.CLIService); ok {
		s.bootstrap(svc)
		return
	}

	uuids := make([]string, 0, len(services))
	for _, svc := range services {
		uuids = append(uuids, svc.UUID)
	}
	s.logger.WithField("services", uuids).Error("Peripheral exposes neither the serial nor the CLI service")
	s.fail(device.ErrIncompatibleDevice)
}

func (s *Session) enableSerial(svc device.Service) {
	write, ok := svc.Characteristic(s.cfg.SerialWrite)
	if !ok {
		s.fail(&device.NotFoundError{Resource: "characteristic", UUIDs: []string{s.cfg.SerialService, s.cfg.SerialWrite}})
		return
	}
	if _, ok := svc.Characteristic(s.cfg.SerialNotify); !ok {
		s.fail(&device.NotFoundError{Resource: "characteristic", UUIDs: []string{s.cfg.SerialService, s.cfg.SerialNotify}})
		return
	}
	if s.launching {
		s.logger.WithField("attempts", s.attempts).Info("Firmware extension is running")
	}

	link, gen := s.link, s.gen
	s.writeWithResponse = write.Properties&device.PropWriteNoResponse == 0

	// closing this link resets the receiver, after which its chunks are dropped
	epoch := s.receiver.Epoch()
	feed := func(chunk []byte) {
		s.receiver.FeedEpoch(epoch, chunk)
	}
	groutine.Go(s.linkCtx, "ble-enable-notify", func(ctx context.Context) {
		err := link.EnableNotifications(s.cfg.SerialService, s.cfg.SerialNotify, feed)
		s.post(event{kind: evNotifyEnabled, gen: gen, err: err})
	})
}

func (s *Session) onNotifyEnabled(err error) {
	switch {
	case err == nil:
	case errors.Is(err, device.ErrNoNotifyDescriptor):
		s.logger.Debug("Notify characteristic has no descriptor, treating as streaming")
	default:
		s.fail(fmt.Errorf("enable notifications: %w", err))
		return
	}

	s.launching = false
	s.attempts = 0

	w := newWriter(s.link, s.cfg.SerialService, s.cfg.SerialWrite, s.MTU()-3, s.writeWithResponse)
	writerCtx, cancel := context.WithCancel(s.linkCtx)
	w.cancel = cancel
	s.wmu.Lock()
	s.w = w
	s.wmu.Unlock()
	groutine.Go(writerCtx, "ble-writer", func(ctx context.Context) {
		s.writeLoop(ctx, w)
	})

	s.logger.WithFields(logrus.Fields{
		"address": s.target,
		"mtu":     s.MTU(),
	}).Info("BLE session ready")
	s.publish(device.StateReady, nil, false)
}

// bootstrap handles a link that only shows the CLI service.
func (s *Session) bootstrap(svc device.Service) {
	if _, ok := svc.Characteristic(s.cfg.CLIWrite); !ok {
		s.fail(&device.NotFoundError{Resource: "characteristic", UUIDs: []string{s.cfg.CLIService, s.cfg.CLIWrite}})
		return
	}

	if !s.launching {
		s.launching = true
		s.logger.Info("Firmware extension not running, launching it over the CLI service")
		s.publish(device.StateLaunchingFirmwareExtension, nil, false)
		s.launch()
		return
	}
	s.retryLaunch(nil, true)
}

// retryLaunch counts a failed attempt. With an open link the launch command
// is resent after the backoff; otherwise the link is redialed.
func (s *Session) retryLaunch(cause error, relaunch bool) {
	if !relaunch {
		// a failed redial consumes an attempt of its own
		s.attempts++
	}
	if s.attempts >= s.cfg.MaxLaunchAttempts {
		err := fmt.Errorf("%w after %d attempts", device.ErrBootstrapFailed, s.attempts)
		if cause != nil {
			err = fmt.Errorf("%w after %d attempts: %w", device.ErrBootstrapFailed, s.attempts, cause)
		}
		s.fail(err)
		return
	}

	delay := s.cfg.launchDelay(s.attempts)
	s.logger.WithFields(logrus.Fields{
		"attempt": s.attempts,
		"max":     s.cfg.MaxLaunchAttempts,
		"delay":   delay,
	}).WithError(cause).Warn("Firmware extension did not start, retrying")

	next := event{kind: evRelaunch, gen: s.gen}
	if !relaunch {
		next.kind = evRedial
	}
	s.schedule(delay, next)
}

func (s *Session) launch() {
	s.attempts++
	s.launchPending = true
	link, gen, cmd := s.link, s.gen, []byte(s.cfg.LaunchCommand)
	s.logger.WithField("attempt", s.attempts).Debug("Sending launch command")

	groutine.Go(s.linkCtx, "ble-launch", func(ctx context.Context) {
		err := link.Write(s.cfg.CLIService, s.cfg.CLIWrite, cmd, true)
		s.post(event{kind: evLaunchSent, gen: gen, err: err})
	})
}

// onLaunchSent drops the link so the device can restart its radio stack,
// then redials after the settle delay.
func (s *Session) onLaunchSent(err error) {
	if err != nil {
		// the stack often restarts before acknowledging the write
		s.logger.WithError(err).Debug("Launch command write not acknowledged")
	}
	s.launchPending = false
	s.closeLink()
	s.schedule(s.cfg.SettleDelay, event{kind: evRedial, gen: s.nextGen()})
}

// onLaunchLinkLost keeps the bootstrap going when the peripheral drops the
// link itself. A drop right after the launch command is the extension
// taking over the radio; any other drop costs a launch attempt.
func (s *Session) onLaunchLinkLost(err error) {
	pending := s.launchPending
	s.launchPending = false
	stopTimer(&s.mtuTimer)
	s.closeLink()

	if pending {
		s.logger.WithError(err).Debug("Scanner dropped the link after the launch command")
		// the write result of the dropped link is stale from here on
		s.schedule(s.cfg.SettleDelay, event{kind: evRedial, gen: s.nextGen()})
		return
	}
	s.nextGen()
	s.retryLaunch(fmt.Errorf("link lost: %w", err), false)
}

func (s *Session) schedule(delay time.Duration, ev event) {
	stopTimer(&s.timer)
	s.timer = time.AfterFunc(delay, func() { s.post(ev) })
}

func (s *Session) fail(err error) {
	s.logger.WithError(err).WithField("address", s.target).Error("BLE session failed")
	s.teardown()
	s.publish(device.StateError, err, false)
}

// teardown releases every per-connection resource. It runs before any
// Disconnected or Error status is published.
func (s *Session) teardown() {
	s.nextGen()
	stopTimer(&s.timer)
	stopTimer(&s.mtuTimer)
	s.stopWriter()
	s.closeLink()
	if s.linkCancel != nil {
		s.linkCancel()
		s.linkCancel = nil
	}
	s.linkCtx = context.Background()
	s.receiver.Reset()
	s.mtu.Store(0)
	s.mtuHandled = false
	s.launching = false
	s.launchPending = false
	s.attempts = 0
}

func (s *Session) closeLink() {
	if s.link == nil {
		return
	}
	if err := s.link.Close(); err != nil {
		s.logger.WithError(err).Debug("Closing BLE link")
	}
	s.link = nil
	s.receiver.Reset()
}

func (s *Session) stopWriter() {
	s.wmu.Lock()
	w := s.w
	s.w = nil
	s.out.Reset()
	s.frames = nil
	s.wmu.Unlock()
	if w != nil {
		w.stop()
	}
}

// progress publishes intermediate states, except while a launch sequence
// is in progress.
func (s *Session) progress(state device.ConnectionState) {
	if s.launching {
		return
	}
	s.publish(state, nil, false)
}

func (s *Session) publish(state device.ConnectionState, err error, unexpected bool) {
	st := device.Status{
		Transport:  device.TransportBLE,
		State:      state,
		Target:     s.target,
		Err:        err,
		Unexpected: unexpected,
	}
	s.logger.WithField("status", st.String()).Debug("BLE session state changed")
	s.status.Set(st)
}

// nextGen invalidates every pending event of the current link.
func (s *Session) nextGen() uint64 {
	s.gen++
	return s.gen
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
