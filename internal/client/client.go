// Package client multiplexes the BLE and USB sessions behind one interface.
// Exactly one session is active; only its messages and state are forwarded.
package client

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
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/protocol"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/transport"
	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client closed")
	// ErrNoSession means no session is registered for the transport kind.
	ErrNoSession = errors.New("no session for transport")
	// ErrStatusTimeout means the device did not answer a status request in time.
	ErrStatusTimeout = errors.New("status request timed out")
	// ErrConnectTimeout means the session did not reach Ready in time.
	ErrConnectTimeout = errors.New("connect timed out")
	// ErrConnectionLost means the link dropped before reaching Ready.
	ErrConnectionLost = errors.New("connection lost before ready")
)

// Config tunes the client.
type Config struct {
	// SubscriberBuffer is the per-subscriber ring size.
	SubscriberBuffer uint32 `default:"256"`
	// StatusPollInterval is how often RequestStatus checks for a reply.
	StatusPollInterval time.Duration `default:"50ms"`
}

// Target is a transport and the address or port it connects to.
type Target struct {
	Kind    device.TransportKind
	Address string
}

func (t Target) String() string { return fmt.Sprintf("%s:%s", t.Kind, t.Address) }

// Client is the unified entry point for the scanner.
type Client struct {
	cfg      Config
	logger   *logrus.Logger
	sessions map[device.TransportKind]transport.Session
	group    *groutine.Group

	mu         sync.Mutex
	active     device.TransportKind
	remembered *Target
	closed     bool

	activeKind atomic.Int32
	status     *observable.Value[device.Status]

	subs  *hashmap.Map[uint64, *Subscription]
	subID atomic.Uint64

	lastStatus atomic.Pointer[protocol.StatusResponse]
	lastWips   atomic.Pointer[protocol.WipsAlert]

	// at most one RequestStatus is outstanding
	requestMu sync.Mutex
}

// New wires the client to its sessions. Sessions must have distinct kinds;
// the first one starts as the active session.
func New(cfg Config, logger *logrus.Logger, sessions ...transport.Session) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&cfg)

	c := &Client{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[device.TransportKind]transport.Session, len(sessions)),
		group:    groutine.NewGroup(context.Background(), "client"),
		subs:     hashmap.New[uint64, *Subscription](),
	}

	for i, sess := range sessions {
		kind := sess.Kind()
		c.sessions[kind] = sess
		if i == 0 {
			c.active = kind
			c.activeKind.Store(int32(kind))
		}
		sess.SetMessageHandler(func(msg protocol.Message) { c.onMessage(kind, msg) })
	}

	initial := device.Status{State: device.StateDisconnected}
	if sess, ok := c.sessions[c.active]; ok {
		initial = sess.Status()
	}
	c.status = observable.New(initial)

	for kind, sess := range c.sessions {
		kind, sess := kind, sess
		c.group.Go("watch-"+kind.String(), func(ctx context.Context) {
			for st := range sess.Watch(ctx) {
				c.onSessionStatus(kind, st)
			}
		})
	}
	return c
}

// Session returns the session registered for kind.
func (c *Client) Session(kind device.TransportKind) (transport.Session, bool) {
	sess, ok := c.sessions[kind]
	return sess, ok
}

// Active returns the kind of the active session.
func (c *Client) Active() device.TransportKind {
	return device.TransportKind(c.activeKind.Load())
}

// Status returns the active session's state.
func (c *Client) Status() device.Status { return c.status.Get() }

// Watch follows the active session's state, across session switches.
func (c *Client) Watch(ctx context.Context) <-chan device.Status { return c.status.Watch(ctx) }

// IsReady reports whether the active session can send.
func (c *Client) IsReady() bool {
	sess, ok := c.sessions[c.Active()]
	return ok && sess.Status().State == device.StateReady
}

// LastTarget returns the last target that reached Ready.
func (c *Client) LastTarget() (Target, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remembered == nil {
		return Target{}, false
	}
	return *c.remembered, true
}

// LastStatus is the most recent StatusResponse, or nil.
func (c *Client) LastStatus() *protocol.StatusResponse { return c.lastStatus.Load() }

// LastWipsAlert is the most recent WipsAlert, or nil.
func (c *Client) LastWipsAlert() *protocol.WipsAlert { return c.lastWips.Load() }

// Connect starts connecting kind to target. While another session is busy
// it stays active until the new one reaches Ready; then it is disconnected.
func (c *Client) Connect(ctx context.Context, kind device.TransportKind, target string) error {
	sess, err := c.selectFor(kind)
	if err != nil {
		return err
	}
	c.logger.WithFields(logrus.Fields{
		"transport": kind,
		"target":    target,
	}).Info("Connecting to scanner...")
	return sess.Connect(ctx, target)
}

// ConnectAndWait connects and blocks until the session is Ready, fails, or
// timeout elapses. A timed out attempt is disconnected.
func (c *Client) ConnectAndWait(ctx context.Context, kind device.TransportKind, target string, timeout time.Duration) error {
	sess, err := c.selectFor(kind)
	if err != nil {
		return err
	}

	watchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	updates := sess.Watch(watchCtx)

	if err := c.Connect(ctx, kind, target); err != nil {
		return err
	}

	for {
		st := sess.Status()
		switch st.State {
		case device.StateReady:
			return nil
		case device.StateError:
			if st.Err != nil {
				return st.Err
			}
			return fmt.Errorf("%s session failed", kind)
		case device.StateDisconnected:
			if st.Err != nil {
				return fmt.Errorf("%w: %w", ErrConnectionLost, st.Err)
			}
			return ErrConnectionLost
		}

		if _, ok := <-updates; ok {
			continue
		}
		_ = sess.Disconnect()
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w after %s", ErrConnectTimeout, timeout)
	}
}

// selectFor makes kind the active session unless another session is busy.
func (c *Client) selectFor(kind device.TransportKind) (transport.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	sess, ok := c.sessions[kind]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrNoSession, kind)
	}
	if kind != c.active {
		if cur, ok := c.sessions[c.active]; !ok || cur.Status().State.Idle() {
			c.setActiveLocked(kind)
			c.status.Set(sess.Status())
		}
	}
	return sess, nil
}

// Disconnect tears down every session at the user's request.
func (c *Client) Disconnect() error {
	var errs []error
	for kind, sess := range c.sessions {
		if sess.Status().State == device.StateDisconnected {
			continue
		}
		if err := sess.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
		}
	}
	return errors.Join(errs...)
}

// SendRequest encodes req and writes it on the active session.
func (c *Client) SendRequest(req protocol.Request) error {
	frame, err := protocol.EncodeRequest(req)
	if err != nil {
		return err
	}
	return c.write(frame)
}

// Send is SendRequest reporting only success.
func (c *Client) Send(req protocol.Request) bool {
	if err := c.SendRequest(req); err != nil {
		c.logger.WithError(err).WithField("type", req.Type()).Debug("Request not sent")
		return false
	}
	return true
}

// SendRaw writes an already encoded frame; false if no session is ready.
func (c *Client) SendRaw(frame []byte) bool {
	if err := c.write(frame); err != nil {
		c.logger.WithError(err).Debug("Frame not sent")
		return false
	}
	return true
}

func (c *Client) write(frame []byte) error {
	sess, ok := c.sessions[c.Active()]
	if !ok {
		return device.ErrNotReady
	}
	return sess.Send(frame)
}

// RequestStatus clears the cached status, asks the device for a fresh one
// and waits for the reply to land in the cache. Concurrent calls queue.
func (c *Client) RequestStatus(ctx context.Context, timeout time.Duration) (*protocol.StatusResponse, error) {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()

	c.lastStatus.Store(nil)
	if err := c.SendRequest(&protocol.StatusRequest{}); err != nil {
		return nil, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(c.cfg.StatusPollInterval)
	defer tick.Stop()

	for {
		if st := c.lastStatus.Load(); st != nil {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			if st := c.lastStatus.Load(); st != nil {
				return st, nil
			}
			return nil, ErrStatusTimeout
		case <-tick.C:
		}
	}
}

// Subscribe attaches a new consumer to the message stream. A zero buffer
// takes the configured default.
func (c *Client) Subscribe(buffer uint32) *Subscription {
	if buffer == 0 {
		buffer = c.cfg.SubscriberBuffer
	}
	id := c.subID.Add(1)
	sub := newSubscription(id, c, buffer)
	c.subs.Set(id, sub)

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		sub.Close()
	}
	return sub
}

// Subscribers reports the number of attached subscriptions.
func (c *Client) Subscribers() int { return c.subs.Len() }

func (c *Client) unsubscribe(id uint64) {
	c.subs.Del(id)
}

// Close disconnects, stops the client and its sessions, and closes every
// subscription.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.Disconnect()
	c.group.Stop()
	for _, sess := range c.sessions {
		if cerr := sess.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}

	var subs []*Subscription
	c.subs.Range(func(_ uint64, sub *Subscription) bool {
		subs = append(subs, sub)
		return true
	})
	for _, sub := range subs {
		sub.Close()
	}
	return err
}

func (c *Client) onMessage(kind device.TransportKind, msg protocol.Message) {
	if kind != c.Active() {
		c.logger.WithFields(logrus.Fields{
			"transport": kind,
			"type":      msg.Type(),
		}).Debug("Dropping message from inactive session")
		return
	}

	switch m := msg.(type) {
	case *protocol.StatusResponse:
		c.lastStatus.Store(m)
	case *protocol.WipsAlert:
		c.lastWips.Store(m)
	case *protocol.Error:
		c.logger.WithFields(logrus.Fields{
			"code":    m.Code,
			"message": m.Message,
		}).Warn("Protocol error")
	}

	c.subs.Range(func(_ uint64, sub *Subscription) bool {
		sub.push(msg)
		return true
	})
}

func (c *Client) onSessionStatus(kind device.TransportKind, st device.Status) {
	c.mu.Lock()
	var previous transport.Session
	if kind != c.active {
		if st.State != device.StateReady {
			c.mu.Unlock()
			return
		}
		c.logger.WithFields(logrus.Fields{
			"from": c.active,
			"to":   kind,
		}).Info("Switching active transport")
		previous = c.sessions[c.active]
		c.setActiveLocked(kind)
	}
	if st.State == device.StateReady {
		c.remembered = &Target{Kind: kind, Address: st.Target}
	}
	c.status.Set(st)
	c.mu.Unlock()

	if previous != nil && !previous.Status().State.Idle() {
		if err := previous.Disconnect(); err != nil {
			c.logger.WithError(err).Warn("Failed to disconnect the replaced session")
		}
	}
}

func (c *Client) setActiveLocked(kind device.TransportKind) {
	c.active = kind
	c.activeKind.Store(int32(kind))
}
