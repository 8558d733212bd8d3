// Package usb implements the transport session over the scanner's USB CDC
// serial interface.
package usb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/device"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/groutine"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/observable"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/transport"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

// ErrSessionClosed is returned by every operation after Close.
var ErrSessionClosed = errors.New("usb session closed")

// Config tunes the USB session. Zero fields take their defaults.
type Config struct {
	BaudRate   int `default:"115200"`
	ReadBuffer int `default:"4096"`
}

// DefaultConfig returns 115200 8N1.
func DefaultConfig() Config {
	var cfg Config
	defaults.SetDefaults(&cfg)
	return cfg
}

// Session is the USB transport.Session.
type Session struct {
	cfg      Config
	logger   *logrus.Logger
	receiver *transport.Receiver
	status   *observable.Value[device.Status]

	mu         sync.Mutex
	port       Port
	target     string
	gen        uint64
	readerDone chan struct{}
	closed     bool

	wmu sync.Mutex
}

var _ transport.Session = (*Session)(nil)

// NewSession creates an idle USB session.
func NewSession(cfg Config, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&cfg)
	return &Session{
		cfg:      cfg,
		logger:   logger,
		receiver: transport.NewReceiver(logger),
		status:   observable.New(device.Status{Transport: device.TransportUSB, State: device.StateDisconnected}),
	}
}

func (s *Session) Kind() device.TransportKind { return device.TransportUSB }

func (s *Session) Status() device.Status { return s.status.Get() }

func (s *Session) Watch(ctx context.Context) <-chan device.Status { return s.status.Watch(ctx) }

func (s *Session) SetMessageHandler(h transport.MessageHandler) { s.receiver.SetHandler(h) }

// Stats exposes the receive pipeline counters.
func (s *Session) Stats() string { return s.receiver.Stats().String() }

// Connect opens portName and starts reading. The CDC interface needs no
// negotiation, so a successful open goes straight to Ready.
func (s *Session) Connect(ctx context.Context, portName string) error {
	if portName == "" {
		return fmt.Errorf("usb connect: empty port name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if st := s.status.Get().State; !st.Idle() {
		return fmt.Errorf("%w: session is %s", device.ErrAlreadyConnected, st)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.target = portName
	s.logger.WithFields(logrus.Fields{
		"port": portName,
		"baud": s.cfg.BaudRate,
	}).Info("Opening scanner serial port...")
	s.publish(device.StateConnecting, nil, false)

	port, err := PortOpener(portName, s.cfg.BaudRate)
	if err != nil {
		s.logger.WithError(err).WithField("port", portName).Error("Failed to open serial port")
		s.publish(device.StateError, err, false)
		return err
	}

	s.gen++
	s.port = port
	s.receiver.Reset()
	s.publish(device.StateConnected, nil, false)

	done := make(chan struct{})
	s.readerDone = done
	gen := s.gen
	groutine.Go(context.Background(), "usb-reader", func(ctx context.Context) {
		defer close(done)
		s.readLoop(port, gen)
	})

	s.logger.WithField("port", portName).Info("USB session ready")
	s.publish(device.StateReady, nil, false)
	return nil
}

func (s *Session) readLoop(port Port, gen uint64) {
	buf := make([]byte, s.cfg.ReadBuffer)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			s.receiver.Feed(buf[:n])
		}
		if err != nil {
			s.lost(gen, err)
			return
		}
	}
}

// lost handles a read failure. Failures caused by Disconnect are ignored.
func (s *Session) lost(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.port == nil {
		return
	}

	entry := s.logger.WithError(err).WithField("port", s.target)
	if isUnplugged(err) {
		entry.Warn("Scanner serial port went away")
	} else {
		entry.Error("Serial read failed")
	}
	s.teardownLocked()
	s.publish(device.StateDisconnected, err, true)
}

// Disconnect closes the port and waits for the reader to exit.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	done := s.readerDone
	err := s.teardownLocked()
	s.publish(device.StateDisconnected, nil, false)
	s.mu.Unlock()

	if done != nil {
		<-done
	}
	return err
}

// teardownLocked releases the port and receive buffer before any state is
// published.
func (s *Session) teardownLocked() error {
	s.gen++
	var err error
	if s.port != nil {
		err = s.port.Close()
		s.port = nil
	}
	s.readerDone = nil
	s.receiver.Reset()
	return err
}

// Send writes one frame.
func (s *Session) Send(frame []byte) error {
	s.mu.Lock()
	port := s.port
	ready := s.status.Get().State == device.StateReady
	s.mu.Unlock()
	if port == nil || !ready {
		return device.ErrNotReady
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	for len(frame) > 0 {
		n, err := port.Write(frame)
		if err != nil {
			return fmt.Errorf("serial write: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("serial write: %w", io.ErrShortWrite)
		}
		frame = frame[n:]
	}
	return nil
}

// Close disconnects. The session is unusable afterwards.
func (s *Session) Close() error {
	err := s.Disconnect()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return err
}

func (s *Session) publish(state device.ConnectionState, err error, unexpected bool) {
	st := device.Status{
		Transport:  device.TransportUSB,
		State:      state,
		Target:     s.target,
		Err:        err,
		Unexpected: unexpected,
	}
	s.logger.WithField("status", st.String()).Debug("USB session state changed")
	s.status.Set(st)
}
