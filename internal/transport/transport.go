// Package transport defines the Session contract shared by the BLE and USB
// links and the receive pipeline that turns raw chunks into Messages.
package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/device"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/protocol"
	"github.com/sirupsen/logrus"
)

// MessageHandler receives decoded messages in stream order.
type MessageHandler func(protocol.Message)

// Session owns one physical link to the device.
type Session interface {
	Kind() device.TransportKind
	// Connect starts connecting to target (a BLE address or serial port).
	// Progress is published through Status and Watch.
	Connect(ctx context.Context, target string) error
	// Disconnect tears the link down at the user's request.
	Disconnect() error
	// Send writes one encoded frame. It fails with device.ErrNotReady unless
	// the session is Ready.
	Send(frame []byte) error
	Status() device.Status
	Watch(ctx context.Context) <-chan device.Status
	SetMessageHandler(h MessageHandler)
	// Close stops the session's goroutines. The session is unusable afterwards.
	Close() error
}

// Receiver reassembles transport chunks, decodes frames, and hands messages
// to the installed handler. Decode failures are delivered as protocol.Error
// messages so the stream keeps flowing.
type Receiver struct {
	mu      sync.Mutex
	epoch   uint64
	reasm   *protocol.Reassembler
	decoder *protocol.Decoder
	handler atomic.Pointer[MessageHandler]
	logger  *logrus.Logger
}

// NewReceiver creates a receive pipeline.
func NewReceiver(logger *logrus.Logger) *Receiver {
	if logger == nil {
		logger = logrus.New()
	}
	return &Receiver{
		reasm:   protocol.NewReassembler(),
		decoder: protocol.NewDecoder(logger),
		logger:  logger,
	}
}

// SetHandler installs h; nil discards messages.
func (r *Receiver) SetHandler(h MessageHandler) {
	if h == nil {
		r.handler.Store(nil)
		return
	}
	r.handler.Store(&h)
}

// Feed accepts one transport chunk. Calls are serialized; messages are
// delivered synchronously in decode order.
func (r *Receiver) Feed(chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feed(chunk)
}

// FeedEpoch is Feed for a source that was attached at epoch. The chunk is
// dropped when a Reset happened since, so a replaced link cannot leak bytes
// into the next one.
func (r *Receiver) FeedEpoch(epoch uint64, chunk []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if epoch != r.epoch {
		return false
	}
	r.feed(chunk)
	return true
}

func (r *Receiver) feed(chunk []byte) {
	r.reasm.Feed(chunk)
	for _, frame := range r.reasm.Drain() {
		msg, _, err := r.decoder.Decode(frame)
		if err != nil {
			var derr *protocol.DecodeError
			if !errors.As(err, &derr) {
				r.logger.WithError(err).Error("Unexpected decode failure on a complete frame")
				continue
			}
			r.logger.WithFields(logrus.Fields{
				"kind":  derr.Kind,
				"type":  derr.Type,
				"bytes": len(frame),
			}).Warn("Dropping undecodable frame")
			msg = derr.AsMessage()
		}
		r.dispatch(msg)
	}
}

func (r *Receiver) dispatch(msg protocol.Message) {
	if h := r.handler.Load(); h != nil {
		(*h)(msg)
	}
}

// Reset discards any partially received frame and starts a new epoch.
func (r *Receiver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epoch++
	r.reasm.Reset()
}

// Epoch identifies the stream since the last Reset.
func (r *Receiver) Epoch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch
}

// Buffered reports bytes waiting for the rest of a frame.
func (r *Receiver) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reasm.Buffered()
}

// Stats exposes the decoder counters.
func (r *Receiver) Stats() protocol.StatisticsSnapshot {
	return r.decoder.Stats().Snapshot()
}
