package protocol

// compactThreshold is the consumed prefix size after which the queue is
// copied down to release memory held by already-drained frames.
const compactThreshold = 4096

// Reassembler accumulates transport chunks and cuts them into complete
// frames. Chunks may split frames at any byte; ordering is preserved and
// partial tails are retained between calls.
//
// A Reassembler is not safe for concurrent use; the transport callback that
// feeds it serializes access.
type Reassembler struct {
	buf     []byte
	head    int
	resyncs uint64
}

// NewReassembler creates an empty reassembler
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Feed appends a transport chunk to the queue.
func (r *Reassembler) Feed(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	r.buf = append(r.buf, chunk...)
}

// Drain removes and returns every complete frame currently buffered, in
// arrival order. Each returned slice is an independent copy.
func (r *Reassembler) Drain() [][]byte {
	var frames [][]byte
	for {
		pending := r.buf[r.head:]
		frameLen, ok := PeekFrameLength(pending)
		if !ok {
			break
		}
		if frameLen-HeaderSize > MaxPayloadSize {
			// header cannot be trusted, slide one byte and look again
			r.head++
			r.resyncs++
			continue
		}
		if len(pending) < frameLen {
			break
		}
		frame := make([]byte, frameLen)
		copy(frame, pending[:frameLen])
		frames = append(frames, frame)
		r.head += frameLen
	}
	r.compact()
	return frames
}

// Push feeds a chunk and drains in one step.
func (r *Reassembler) Push(chunk []byte) [][]byte {
	r.Feed(chunk)
	return r.Drain()
}

// Buffered reports the number of bytes waiting for the rest of a frame.
func (r *Reassembler) Buffered() int {
	return len(r.buf) - r.head
}

// Resyncs reports how many bytes were skipped due to implausible headers.
func (r *Reassembler) Resyncs() uint64 {
	return r.resyncs
}

// Reset discards any buffered bytes.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
	r.head = 0
}

func (r *Reassembler) compact() {
	switch {
	case r.head == len(r.buf):
		r.buf = r.buf[:0]
		r.head = 0
	case r.head >= compactThreshold:
		n := copy(r.buf, r.buf[r.head:])
		r.buf = r.buf[:n]
		r.head = 0
	}
}
