package detection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/config"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/protocol"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// PipelineConfig tunes duplicate suppression.
type PipelineConfig struct {
	// DedupWindow suppresses repeat sightings of one emitter.
	DedupWindow time.Duration `default:"60s"`
	// MaxTracked bounds the dedup table; the oldest entries go first.
	MaxTracked int `default:"2048"`
	// LocationTimeout bounds each LocationProvider call.
	LocationTimeout time.Duration `default:"2s"`
}

// Stats counts what the pipeline did with the records it saw.
type Stats struct {
	Forwarded  uint64
	Duplicates uint64
	Filtered   uint64
	Failed     uint64
}

// Pipeline converts scan results and forwards new detections to a sink.
type Pipeline struct {
	cfg       PipelineConfig
	converter Converter
	sink      AlertSink
	logger    *logrus.Logger
	now       func() time.Time

	locator LocationProvider
	wips    atomic.Pointer[config.WipsToggles]

	// seen maps Detection.Key to the first sighting inside the window,
	// oldest first.
	mu   sync.Mutex
	seen *orderedmap.OrderedMap[string, time.Time]

	forwarded  atomic.Uint64
	duplicates atomic.Uint64
	filtered   atomic.Uint64
	failed     atomic.Uint64
}

// NewPipeline creates a pipeline. A nil converter means BasicConverter.
func NewPipeline(converter Converter, sink AlertSink, cfg PipelineConfig, logger *logrus.Logger) *Pipeline {
	if logger == nil {
		logger = logrus.New()
	}
	if converter == nil {
		converter = BasicConverter{}
	}
	defaults.SetDefaults(&cfg)

	p := &Pipeline{
		cfg:       cfg,
		converter: converter,
		sink:      sink,
		logger:    logger,
		now:       time.Now,
		seen:      orderedmap.New[string, time.Time](),
	}
	toggles := config.Default().Wips
	p.wips.Store(&toggles)
	return p
}

// SetLocationProvider attaches an optional position source.
func (p *Pipeline) SetLocationProvider(lp LocationProvider) { p.locator = lp }

// SetWipsToggles replaces the WIPS alert filter.
func (p *Pipeline) SetWipsToggles(t config.WipsToggles) { p.wips.Store(&t) }

// Stats returns the running counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Forwarded:  p.forwarded.Load(),
		Duplicates: p.duplicates.Load(),
		Filtered:   p.filtered.Load(),
		Failed:     p.failed.Load(),
	}
}

// Run handles messages until ctx ends or msgs closes. Settings snapshots
// arriving on settings update the WIPS filter; settings may be nil.
func (p *Pipeline) Run(ctx context.Context, msgs <-chan protocol.Message, settings <-chan config.Settings) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-settings:
			if !ok {
				settings = nil
				continue
			}
			p.SetWipsToggles(s.Wips)
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			p.Handle(ctx, msg)
		}
	}
}

// Handle processes one message. Messages without records are ignored.
func (p *Pipeline) Handle(ctx context.Context, msg protocol.Message) {
	records := Records(msg)
	if len(records) == 0 {
		return
	}

	if alert, ok := msg.(*protocol.WipsAlert); ok && !p.wips.Load().Enabled(alert.AlertType) {
		p.filtered.Add(1)
		p.logger.WithField("alert_type", alert.AlertType).Debug("WIPS alert filtered by settings")
		return
	}

	loc := p.location(ctx)
	ts := Timestamp(msg)
	for _, rec := range records {
		d, err := p.converter.Convert(rec, ts, loc)
		if err != nil {
			p.failed.Add(1)
			p.logger.WithError(err).WithField("type", msg.Type()).Warn("Failed to convert record")
			continue
		}
		if d == nil {
			p.filtered.Add(1)
			continue
		}
		if !p.admit(d.Key()) {
			p.duplicates.Add(1)
			continue
		}
		if err := p.sink.Alert(ctx, d); err != nil {
			p.failed.Add(1)
			p.logger.WithError(err).WithField("key", d.Key()).Warn("Failed to deliver detection")
			continue
		}
		p.forwarded.Add(1)
	}
}

func (p *Pipeline) location(ctx context.Context) *Location {
	if p.locator == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.LocationTimeout)
	defer cancel()
	loc, err := p.locator.CurrentLocation(ctx)
	if err != nil {
		p.logger.WithError(err).Debug("No location fix")
		return nil
	}
	return loc
}

// admit reports whether key has not been seen within the window, and
// records it if so.
func (p *Pipeline) admit(key string) bool {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()

	for pair := p.seen.Oldest(); pair != nil; pair = p.seen.Oldest() {
		if now.Sub(pair.Value) < p.cfg.DedupWindow && p.seen.Len() < p.cfg.MaxTracked {
			break
		}
		p.seen.Delete(pair.Key)
	}

	if _, ok := p.seen.Get(key); ok {
		return false
	}
	p.seen.Set(key, now)
	return true
}
