package testutils

import (
	"errors"
	"io"
	"sync"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/protocol"
)

// FakePort is an in-memory serial port. Read blocks until data is injected,
// the port fails or it is closed.
type FakePort struct {
	mu      sync.Mutex
	cond    *sync.Cond
	inbound []byte
	written []byte
	readErr error
	closed  bool
	writeFn func([]byte)
}

// NewFakePort creates an open port.
func NewFakePort() *FakePort {
	p := &FakePort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *FakePort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.inbound) == 0 && p.readErr == nil && !p.closed {
		p.cond.Wait()
	}
	switch {
	case len(p.inbound) > 0:
		n := copy(buf, p.inbound)
		p.inbound = p.inbound[n:]
		return n, nil
	case p.readErr != nil:
		return 0, p.readErr
	default:
		return 0, io.EOF
	}
}

func (p *FakePort) Write(data []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("port closed")
	}
	p.written = append(p.written, data...)
	fn := p.writeFn
	p.mu.Unlock()

	if fn != nil {
		fn(append([]byte(nil), data...))
	}
	return len(data), nil
}

func (p *FakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

// Inject queues bytes for the reader.
func (p *FakePort) Inject(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inbound = append(p.inbound, data...)
	p.cond.Broadcast()
}

// InjectMessages encodes msgs and queues them for the reader.
func (p *FakePort) InjectMessages(msgs ...protocol.Message) {
	for _, m := range msgs {
		frame, err := protocol.Encode(m)
		if err != nil {
			panic("InjectMessages: " + err.Error())
		}
		p.Inject(frame)
	}
}

// Fail makes pending and future reads return err, as an unplugged cable does.
func (p *FakePort) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
	p.cond.Broadcast()
}

// OnWrite installs a hook called with a copy of every write.
func (p *FakePort) OnWrite(fn func([]byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeFn = fn
}

// Written returns everything written so far.
func (p *FakePort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written...)
}

// Closed reports whether Close was called.
func (p *FakePort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
