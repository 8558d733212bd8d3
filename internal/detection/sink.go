package detection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// AlertSink receives detections that passed the pipeline.
type AlertSink interface {
	Alert(ctx context.Context, d *Detection) error
}

// MultiSink fans a detection out to every sink and joins their errors.
type MultiSink []AlertSink

func (m MultiSink) Alert(ctx context.Context, d *Detection) error {
	var errs []error
	for _, s := range m {
		if err := s.Alert(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ConsoleSink prints one line per detection.
type ConsoleSink struct {
	mu sync.Mutex
	w  io.Writer

	critical *color.Color
	warning  *color.Color
	notice   *color.Color
	dim      *color.Color
}

// NewConsoleSink writes to w, colored when w is a terminal.
func NewConsoleSink(w io.Writer) *ConsoleSink {
	s := &ConsoleSink{
		w:        w,
		critical: color.New(color.FgRed, color.Bold),
		warning:  color.New(color.FgYellow),
		notice:   color.New(color.FgCyan),
		dim:      color.New(color.Faint),
	}
	s.SetColor(isTerminal(w))
	return s
}

// SetColor forces colored output on or off.
func (s *ConsoleSink) SetColor(enabled bool) {
	for _, c := range []*color.Color{s.critical, s.warning, s.notice, s.dim} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
}

func (s *ConsoleSink) Alert(_ context.Context, d *Detection) error {
	var b strings.Builder
	b.WriteString(s.dim.Sprint(d.Timestamp.Format("15:04:05")))
	b.WriteByte(' ')
	b.WriteString(s.severityColor(d.Severity).Sprintf("%-6s", d.Kind))
	fmt.Fprintf(&b, " %s", d.Identifier)
	if d.Name != "" {
		fmt.Fprintf(&b, " %q", d.Name)
	}
	if d.RSSI != 0 {
		fmt.Fprintf(&b, " rssi=%d", d.RSSI)
	}
	if d.Severity != "" {
		fmt.Fprintf(&b, " severity=%s", s.severityColor(d.Severity).Sprint(d.Severity))
	}
	if d.Description != "" {
		fmt.Fprintf(&b, " %s", d.Description)
	}
	keys := make([]string, 0, len(d.Attributes))
	for k := range d.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, d.Attributes[k])
	}
	if d.Location != nil {
		fmt.Fprintf(&b, " @%.5f,%.5f", d.Location.Latitude, d.Location.Longitude)
	}
	b.WriteByte('\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, b.String())
	return err
}

func (s *ConsoleSink) severityColor(severity string) *color.Color {
	switch severity {
	case "critical", "high":
		return s.critical
	case "medium":
		return s.warning
	case "low", "info":
		return s.notice
	default:
		return s.dim
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
