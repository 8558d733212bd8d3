package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/client"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/device"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/groutine"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/observable"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

// Connector re-establishes a connection and waits for it to become ready.
type Connector interface {
	ConnectAndWait(ctx context.Context, kind device.TransportKind, target string, timeout time.Duration) error
}

// ReconnectConfig tunes the supervisor's backoff.
type ReconnectConfig struct {
	BaseDelay      time.Duration `default:"2s"`
	MaxDelay       time.Duration `default:"30s"`
	AttemptTimeout time.Duration `default:"30s"`
}

// Delay returns the wait before attempt (1-based): BaseDelay × attempt,
// capped at MaxDelay.
func (c ReconnectConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.BaseDelay * time.Duration(attempt)
	if d > c.MaxDelay || d < 0 {
		return c.MaxDelay
	}
	return d
}

// ReconnectState is the published progress of the supervisor.
type ReconnectState struct {
	IsReconnecting   bool
	AttemptNumber    int
	MaxAttempts      int
	LastAttempt      time.Time
	NextAttemptDelay time.Duration
	// Exhausted reports that MaxAttempts ran out without success.
	Exhausted bool
	Target    client.Target
	LastError error
}

// Reconnector retries a lost connection with growing delays.
type Reconnector struct {
	cfg       ReconnectConfig
	connector Connector
	logger    *logrus.Logger

	mu    sync.Mutex
	group *groutine.Group
	state *observable.Value[ReconnectState]
}

// NewReconnector creates an idle supervisor.
func NewReconnector(connector Connector, cfg ReconnectConfig, logger *logrus.Logger) *Reconnector {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&cfg)
	return &Reconnector{
		cfg:       cfg,
		connector: connector,
		logger:    logger,
		state:     observable.New(ReconnectState{}),
	}
}

// State returns the current progress.
func (r *Reconnector) State() ReconnectState { return r.state.Get() }

// Watch follows progress updates.
func (r *Reconnector) Watch(ctx context.Context) <-chan ReconnectState { return r.state.Watch(ctx) }

// Active reports whether an attempt sequence is running.
func (r *Reconnector) Active() bool { return r.state.Get().IsReconnecting }

// Start supervises reconnection to target, replacing any running sequence.
func (r *Reconnector) Start(target client.Target, maxAttempts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()

	if maxAttempts <= 0 {
		r.state.Set(ReconnectState{Target: target, Exhausted: true})
		return
	}

	r.state.Set(ReconnectState{
		IsReconnecting:   true,
		MaxAttempts:      maxAttempts,
		NextAttemptDelay: r.cfg.Delay(1),
		Target:           target,
	})
	r.logger.WithFields(logrus.Fields{
		"target":       target,
		"max_attempts": maxAttempts,
	}).Info("Starting auto-reconnect")

	g := groutine.NewGroup(context.Background(), "reconnect")
	r.group = g
	g.Go("supervisor", func(ctx context.Context) {
		r.run(ctx, target, maxAttempts)
	})
}

// Cancel stops any running sequence and waits for it to exit.
func (r *Reconnector) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopLocked() {
		r.logger.Info("Auto-reconnect cancelled")
	}
}

func (r *Reconnector) stopLocked() bool {
	if r.group == nil {
		return false
	}
	r.group.Stop()
	r.group = nil
	wasActive := r.state.Get().IsReconnecting
	r.state.Update(func(st ReconnectState) ReconnectState {
		st.IsReconnecting = false
		st.NextAttemptDelay = 0
		return st
	})
	return wasActive
}

func (r *Reconnector) run(ctx context.Context, target client.Target, maxAttempts int) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		delay := r.cfg.Delay(attempt)
		r.state.Update(func(st ReconnectState) ReconnectState {
			st.AttemptNumber = attempt
			st.NextAttemptDelay = delay
			return st
		})
		r.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"max":     maxAttempts,
			"delay":   delay,
		}).Info("Reconnecting...")

		if !sleep(ctx, delay) {
			return
		}
		now := time.Now()
		r.state.Update(func(st ReconnectState) ReconnectState {
			st.LastAttempt = now
			st.NextAttemptDelay = 0
			return st
		})

		err := r.connector.ConnectAndWait(ctx, target.Kind, target.Address, r.cfg.AttemptTimeout)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			r.logger.WithField("attempt", attempt).Info("Reconnected")
			r.state.Update(func(st ReconnectState) ReconnectState {
				st.IsReconnecting = false
				st.LastError = nil
				return st
			})
			return
		}
		lastErr = err
		r.logger.WithError(err).WithField("attempt", attempt).Warn("Reconnect attempt failed")
		r.state.Update(func(st ReconnectState) ReconnectState {
			st.LastError = err
			return st
		})
	}

	r.logger.WithError(lastErr).WithField("attempts", maxAttempts).Error("Auto-reconnect exhausted")
	r.state.Update(func(st ReconnectState) ReconnectState {
		st.IsReconnecting = false
		st.Exhausted = true
		return st
	})
}
