// Package scheduler drives the periodic scans, the heartbeat, manual scan
// triggers and the auto-reconnect supervisor.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/config"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/groutine"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/observable"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/protocol"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

// Sender is the part of the client the scheduler writes through.
type Sender interface {
	Send(req protocol.Request) bool
	IsReady() bool
}

// Config tunes scan timing.
type Config struct {
	// InFlightHold keeps a scheduled scan marked in flight after its request.
	InFlightHold time.Duration `default:"500ms"`
	// ManualCooldown is the minimum gap between manual scans of one type.
	ManualCooldown time.Duration `default:"3s"`
	// ManualSettle clears the in-flight mark of a manual scan.
	ManualSettle time.Duration `default:"2s"`
}

// Scheduler runs one loop per enabled scan type plus a heartbeat.
type Scheduler struct {
	cfg    Config
	sender Sender
	logger *logrus.Logger
	now    func() time.Time

	// ctl serializes Start, Stop, Pause, Resume and ApplySettings.
	ctl       sync.Mutex
	settings  config.Settings
	loops     *groutine.Group
	heartbeat *groutine.Group
	manual    *groutine.Group

	mu     sync.Mutex
	state  Status
	status *observable.Value[Status]
}

// New creates a stopped scheduler.
func New(sender Sender, settings config.Settings, cfg Config, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&cfg)

	s := &Scheduler{
		cfg:      cfg,
		sender:   sender,
		logger:   logger,
		now:      time.Now,
		settings: settings,
		manual:   groutine.NewGroup(context.Background(), "manual-scan"),
	}
	for _, t := range AllScanTypes {
		s.state.Scans[t] = ScanStatus{Type: t, Interval: t.interval(settings)}
	}
	s.status = observable.New(s.state)
	return s
}

// Status returns the current snapshot.
func (s *Scheduler) Status() Status { return s.status.Get() }

// Watch follows status changes.
func (s *Scheduler) Watch(ctx context.Context) <-chan Status { return s.status.Watch(ctx) }

// Settings returns the snapshot the loops run with.
func (s *Scheduler) Settings() config.Settings {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	return s.settings
}

// Start pushes the listener configuration, then begins the heartbeat and,
// unless paused, the scan loops.
func (s *Scheduler) Start() {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if s.snapshot().Running {
		return
	}
	s.update(func(st *Status) { st.Running = true })
	s.configureListeners(s.settings)
	s.startHeartbeatLocked()
	if !s.snapshot().Paused {
		s.startLoopsLocked()
	}
	s.logger.WithField("paused", s.snapshot().Paused).Info("Scan scheduler started")
}

// Stop cancels every loop and waits for them to exit.
func (s *Scheduler) Stop() {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if !s.snapshot().Running {
		return
	}
	s.stopLoopsLocked()
	s.stopHeartbeatLocked()
	s.update(func(st *Status) { st.Running = false })
	s.logger.Info("Scan scheduler stopped")
}

// Pause cancels the scan loops. The heartbeat keeps running. The loops have
// exited before Paused is published.
func (s *Scheduler) Pause() {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if s.snapshot().Paused {
		return
	}
	s.stopLoopsLocked()
	s.update(func(st *Status) { st.Paused = true })
	s.logger.Info("Scans paused")
}

// Resume restarts the loops enabled in the current settings.
func (s *Scheduler) Resume() {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if !s.snapshot().Paused {
		return
	}
	s.update(func(st *Status) { st.Paused = false })
	if s.snapshot().Running {
		s.startLoopsLocked()
	}
	s.logger.Info("Scans resumed")
}

// ApplySettings restarts the loops with settings and pushes changed listener
// configuration. The connection is not touched.
func (s *Scheduler) ApplySettings(settings config.Settings) {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	listenersChanged := settings.Listeners != s.settings.Listeners
	s.settings = settings
	st := s.snapshot()
	if !st.Running {
		s.update(func(st *Status) {
			for _, t := range AllScanTypes {
				st.Scans[t].Interval = t.interval(settings)
			}
		})
		return
	}

	if listenersChanged {
		s.configureListeners(settings)
	}
	s.stopHeartbeatLocked()
	s.startHeartbeatLocked()
	if !st.Paused {
		s.stopLoopsLocked()
		s.startLoopsLocked()
	}
	s.logger.Info("Scan settings applied")
}

// TriggerManualScan requests one scan of t now. It reports false when the
// connection is not ready or t is cooling down.
func (s *Scheduler) TriggerManualScan(t ScanType) bool {
	return s.TryManualScan(t) == nil
}

// TryManualScan is TriggerManualScan with the rejection reason.
func (s *Scheduler) TryManualScan(t ScanType) error {
	if !t.valid() {
		return ErrNotReady
	}
	if !s.sender.IsReady() {
		return ErrNotReady
	}

	s.mu.Lock()
	now := s.now()
	if now.Before(s.state.Scans[t].CooldownUntil) {
		s.mu.Unlock()
		return ErrCooldown
	}
	sc := &s.state.Scans[t]
	sc.CooldownUntil = now.Add(s.cfg.ManualCooldown)
	sc.InFlight = true
	sc.LastTrigger = now
	s.status.Set(s.state)
	s.mu.Unlock()

	settings := s.Settings()
	s.logger.WithField("scan", t).Info("Manual scan triggered")
	s.manual.Go(t.String(), func(ctx context.Context) {
		s.send(t, settings)
		sleep(ctx, s.cfg.ManualSettle)
		s.update(func(st *Status) { st.Scans[t].InFlight = false })
	})
	return nil
}

// Close stops the scheduler and waits for pending manual scans.
func (s *Scheduler) Close() {
	s.Stop()
	s.manual.Stop()
}

func (s *Scheduler) startLoopsLocked() {
	settings := s.settings
	s.loops = groutine.NewGroup(context.Background(), "scan")
	for _, t := range AllScanTypes {
		interval := t.interval(settings)
		if !t.enabled(settings) || interval <= 0 {
			s.update(func(st *Status) {
				st.Scans[t].Active = false
				st.Scans[t].Interval = interval
			})
			continue
		}
		s.update(func(st *Status) {
			st.Scans[t].Active = true
			st.Scans[t].Interval = interval
		})
		s.loops.Go(t.String(), func(ctx context.Context) {
			s.scanLoop(ctx, t, interval, settings)
		})
	}
}

// stopLoopsLocked returns once every scan loop has exited.
func (s *Scheduler) stopLoopsLocked() {
	if s.loops != nil {
		s.loops.Stop()
		s.loops = nil
	}
	s.update(func(st *Status) {
		for _, t := range AllScanTypes {
			st.Scans[t].Active = false
		}
	})
}

func (s *Scheduler) startHeartbeatLocked() {
	interval := s.settings.Intervals.Heartbeat
	if interval <= 0 {
		s.logger.Warn("Heartbeat disabled: no interval configured")
		return
	}
	s.heartbeat = groutine.NewGroup(context.Background(), "scheduler")
	s.heartbeat.Go("heartbeat", func(ctx context.Context) {
		for sleep(ctx, interval) {
			if !s.sender.Send(&protocol.Heartbeat{}) {
				s.logger.Debug("Heartbeat not sent")
			}
		}
	})
}

func (s *Scheduler) stopHeartbeatLocked() {
	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
	}
}

// scanLoop triggers t, holds the in-flight mark, then sleeps out the rest
// of the interval.
func (s *Scheduler) scanLoop(ctx context.Context, t ScanType, interval time.Duration, settings config.Settings) {
	hold := s.cfg.InFlightHold
	if hold > interval {
		hold = interval
	}
	defer s.update(func(st *Status) { st.Scans[t].InFlight = false })

	for {
		s.update(func(st *Status) { st.Scans[t].InFlight = true })
		s.send(t, settings)
		now := s.now()
		s.update(func(st *Status) { st.Scans[t].LastTrigger = now })

		if !sleep(ctx, hold) {
			return
		}
		s.update(func(st *Status) { st.Scans[t].InFlight = false })
		if !sleep(ctx, interval-hold) {
			return
		}
	}
}

func (s *Scheduler) send(t ScanType, settings config.Settings) {
	req, err := t.request(settings)
	if err != nil {
		s.logger.WithError(err).WithField("scan", t).Error("Cannot build scan request")
		return
	}
	if !s.sender.Send(req) {
		s.logger.WithField("scan", t).Debug("Scan request not sent")
		return
	}
	s.logger.WithField("scan", t).Debug("Scan requested")
}

// configureListeners sends the request of every enabled passive listener.
func (s *Scheduler) configureListeners(settings config.Settings) {
	reqs, err := settings.Listeners.Requests()
	if err != nil {
		s.logger.WithError(err).Error("Cannot build listener configuration")
		return
	}
	for _, req := range reqs {
		if !s.sender.Send(req) {
			s.logger.WithField("request", req.Type()).Warn("Listener configuration not sent")
			continue
		}
		s.logger.WithField("request", req.Type()).Debug("Listener configured")
	}
}

func (s *Scheduler) snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) update(fn func(st *Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
	s.status.Set(s.state)
}

// sleep waits d or until ctx ends; false means cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
