package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/device"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/groutine"
	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter shows the current connection phase with elapsed time.
//
// Usage:
//
//	p := NewProgressPrinter(w, "Connecting to AA:BB")
//	p.Follow(ctx, client.Watch(ctx))
//	defer p.Stop()
//
// Nothing is printed when w is not a terminal. Stop is safe to call more
// than once.
type ProgressPrinter struct {
	w      io.Writer
	prefix string
	enable bool

	mu        sync.Mutex
	phase     string
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewProgressPrinter creates a stopped printer.
func NewProgressPrinter(w io.Writer, prefix string) *ProgressPrinter {
	f, ok := w.(*os.File)
	return &ProgressPrinter{
		w:      w,
		prefix: prefix,
		enable: ok && term.IsTerminal(int(f.Fd())),
		phase:  device.StateConnecting.String(),
	}
}

// Follow starts printing and takes each status as the new phase until the
// session is Ready or fails.
func (p *ProgressPrinter) Follow(ctx context.Context, statuses <-chan device.Status) {
	p.mu.Lock()
	if p.done != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.startTime = time.Now()
	done := p.done
	p.mu.Unlock()

	groutine.Go(ctx, "progress", func(ctx context.Context) {
		defer close(done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()
		p.print()

		for {
			select {
			case <-ctx.Done():
				return
			case st, ok := <-statuses:
				if !ok {
					return
				}
				if st.State == device.StateReady || st.State == device.StateError {
					return
				}
				if st.State == device.StateDisconnected {
					continue
				}
				p.mu.Lock()
				p.phase = st.State.String()
				p.mu.Unlock()
				p.print()
			case <-ticker.C:
				p.print()
			}
		}
	})
}

func (p *ProgressPrinter) print() {
	if !p.enable {
		return
	}
	p.mu.Lock()
	phase := p.phase
	seconds := int(time.Since(p.startTime).Seconds())
	p.mu.Unlock()
	if seconds > 0 {
		fmt.Fprintf(p.w, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
	} else {
		fmt.Fprintf(p.w, "\r%s (%s...)   ", p.prefix, phase)
	}
}

// Stop ends the display and clears the line.
func (p *ProgressPrinter) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	if p.enable {
		fmt.Fprint(p.w, clearLineSequence)
	}
}
