package ble

import (
	"context"
	"errors"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/device"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
)

// writer drains the outbound queue onto the serial write characteristic.
type writer struct {
	link         device.Link
	service      string
	char         string
	chunk        int
	withResponse bool

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func newWriter(link device.Link, service, char string, chunk int, withResponse bool) *writer {
	if chunk < device.DefaultATTMTU-3 {
		chunk = device.DefaultATTMTU - 3
	}
	return &writer{
		link:         link,
		service:      service,
		char:         char,
		chunk:        chunk,
		withResponse: withResponse,
		kick:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

func (w *writer) wake() {
	select {
	case w.kick <- struct{}{}:
	default:
		// already pending
	}
}

// stop cancels the loop and waits for an in-flight write to finish.
func (w *writer) stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

func (s *Session) writeLoop(ctx context.Context, w *writer) {
	defer close(w.done)

	buf := make([]byte, w.chunk)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.kick:
		}

		for ctx.Err() == nil {
			n, last, err := s.nextChunk(buf)
			if err != nil {
				s.logger.WithError(err).Warn("Outbound queue read failed")
				break
			}
			if n == 0 {
				break
			}
			if err := w.link.Write(w.service, w.char, buf[:n], w.withResponse); err != nil {
				// link loss is reported separately through OnDisconnect
				fields := logrus.Fields{"bytes": n}
				if !last {
					fields["dropped"] = s.dropFrame()
				}
				s.logger.WithError(err).WithFields(fields).Warn("BLE write failed, dropping frame")
				continue
			}
			s.logger.WithField("bytes", n).Debug("Wrote chunk to scanner")
		}
	}
}

// nextChunk takes up to len(buf) bytes of the head frame off the queue. A
// chunk never spans two frames; last reports that it completes its frame.
func (s *Session) nextChunk(buf []byte) (n int, last bool, err error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if len(s.frames) == 0 {
		return 0, false, nil
	}

	n, err = s.out.TryRead(buf[:min(len(buf), s.frames[0])])
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return 0, false, err
	}
	s.frames[0] -= n
	if s.frames[0] == 0 {
		s.frames = s.frames[1:]
		return n, true, nil
	}
	return n, false, nil
}

// dropFrame discards the unsent rest of the head frame so the next frame
// starts on a chunk boundary. It returns the number of bytes dropped.
func (s *Session) dropFrame() int {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if len(s.frames) == 0 {
		return 0
	}
	left := s.frames[0]
	s.frames = s.frames[1:]
	n, _ := s.out.TryRead(make([]byte, left))
	return n
}
