package protocol

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Statistics tracks decoder throughput and error counts. Counters are
// updated lock-free and may be read while decoding is in progress.
type Statistics struct {
	StartTime time.Time

	frames         atomic.Uint64
	decodeErrors   atomic.Uint64
	recordsDecoded atomic.Uint64
	recordsSkipped atomic.Uint64
	resyncs        atomic.Uint64
}

// StatisticsSnapshot is a point-in-time copy of Statistics.
type StatisticsSnapshot struct {
	Uptime         time.Duration
	Frames         uint64
	DecodeErrors   uint64
	RecordsDecoded uint64
	RecordsSkipped uint64
	Resyncs        uint64
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	return &Statistics{StartTime: time.Now()}
}

func (s *Statistics) recordFrame()            { s.frames.Add(1) }
func (s *Statistics) recordDecodeError()      { s.decodeErrors.Add(1) }
func (s *Statistics) recordDecoded()          { s.recordsDecoded.Add(1) }
func (s *Statistics) recordSkipped(n uint64)  { s.recordsSkipped.Add(n) }
func (s *Statistics) recordResync()           { s.resyncs.Add(1) }

// Snapshot copies the current counters.
func (s *Statistics) Snapshot() StatisticsSnapshot {
	return StatisticsSnapshot{
		Uptime:         time.Since(s.StartTime),
		Frames:         s.frames.Load(),
		DecodeErrors:   s.decodeErrors.Load(),
		RecordsDecoded: s.recordsDecoded.Load(),
		RecordsSkipped: s.recordsSkipped.Load(),
		Resyncs:        s.resyncs.Load(),
	}
}

// Reset zeroes all counters
func (s *Statistics) Reset() {
	s.StartTime = time.Now()
	s.frames.Store(0)
	s.decodeErrors.Store(0)
	s.recordsDecoded.Store(0)
	s.recordsSkipped.Store(0)
	s.resyncs.Store(0)
}

func (s StatisticsSnapshot) String() string {
	return fmt.Sprintf("frames=%d decode_errors=%d records=%d skipped=%d resyncs=%d uptime=%s",
		s.Frames, s.DecodeErrors, s.RecordsDecoded, s.RecordsSkipped, s.Resyncs, s.Uptime.Truncate(time.Second))
}
