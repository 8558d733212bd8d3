package client

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/groutine"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/protocol"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// Subscription is one consumer of the client's message stream. Messages
// arrive on C in decode order. A subscriber that falls behind loses the
// oldest buffered messages, never the newest.
type Subscription struct {
	id     uint64
	client *Client

	ring mpmc.RichOverlappedRingBuffer[protocol.Message]
	wake chan struct{}
	out  chan protocol.Message
	stop chan struct{}
	once sync.Once

	delivered   atomic.Uint64
	overwritten atomic.Uint64
}

func newSubscription(id uint64, c *Client, size uint32) *Subscription {
	sub := &Subscription{
		id:     id,
		client: c,
		ring:   mpmc.NewOverlappedRingBuffer[protocol.Message](size),
		wake:   make(chan struct{}, 1),
		out:    make(chan protocol.Message),
		stop:   make(chan struct{}),
	}
	groutine.Go(context.Background(), "client-subscriber", sub.pump)
	return sub
}

// C delivers messages until the subscription is closed.
func (s *Subscription) C() <-chan protocol.Message { return s.out }

// Delivered counts messages handed to the consumer.
func (s *Subscription) Delivered() uint64 { return s.delivered.Load() }

// Overwritten counts messages lost because the consumer fell behind.
func (s *Subscription) Overwritten() uint64 { return s.overwritten.Load() }

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.client.unsubscribe(s.id)
	s.once.Do(func() { close(s.stop) })
}

func (s *Subscription) push(msg protocol.Message) {
	select {
	case <-s.stop:
		return
	default:
	}
	overwrites, err := s.ring.EnqueueM(msg)
	if err != nil {
		s.client.logger.WithError(err).WithField("subscriber", s.id).Error("Subscriber enqueue failed")
		return
	}
	if overwrites > 0 {
		s.overwritten.Add(uint64(overwrites))
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump(ctx context.Context) {
	defer close(s.out)
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}
		for !s.ring.IsEmpty() {
			msg, err := s.ring.Dequeue()
			if err != nil {
				break
			}
			select {
			case s.out <- msg:
				s.delivered.Add(1)
			case <-s.stop:
				return
			}
		}
	}
}
