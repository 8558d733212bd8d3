package scheduler

import (
	"context"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/client"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/config"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/device"
	"github.com/sirupsen/logrus"
)

// Link is the client surface the runner supervises.
type Link interface {
	Sender
	Connector
	Watch(ctx context.Context) <-chan device.Status
	LastTarget() (client.Target, bool)
	Disconnect() error
}

// Runner ties the scheduler and the supervisor to the connection state:
// scans run while Ready, stop on any loss, and an unexpected loss hands
// over to the supervisor.
type Runner struct {
	link      Link
	store     config.SettingsStore
	scheduler *Scheduler
	reconnect *Reconnector
	logger    *logrus.Logger

	settings config.Settings
}

// NewRunner builds a scheduler and supervisor for link. Settings come from
// store and are re-applied whenever it publishes a new snapshot.
func NewRunner(link Link, store config.SettingsStore, cfg Config, rcfg ReconnectConfig, logger *logrus.Logger) (*Runner, error) {
	if logger == nil {
		logger = logrus.New()
	}
	settings, err := store.Load()
	if err != nil {
		return nil, err
	}
	return &Runner{
		link:      link,
		store:     store,
		scheduler: New(link, settings, cfg, logger),
		reconnect: NewReconnector(link, rcfg, logger),
		logger:    logger,
		settings:  settings,
	}, nil
}

// Scheduler exposes the scan scheduler for manual triggers and pause/resume.
func (r *Runner) Scheduler() *Scheduler { return r.scheduler }

// Reconnector exposes the supervisor's progress.
func (r *Runner) Reconnector() *Reconnector { return r.reconnect }

// Disconnect is the user-requested disconnect: it cancels any reconnect
// sequence, stops the scans and drops the link.
func (r *Runner) Disconnect() error {
	r.reconnect.Cancel()
	r.scheduler.Stop()
	return r.link.Disconnect()
}

// Run reacts to connection and settings changes until ctx ends.
func (r *Runner) Run(ctx context.Context) error {
	defer func() {
		r.reconnect.Cancel()
		r.scheduler.Close()
	}()

	statuses := r.link.Watch(ctx)
	settings := r.store.Watch(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-statuses:
			if !ok {
				return ctx.Err()
			}
			r.onStatus(st)
		case s, ok := <-settings:
			if !ok {
				return ctx.Err()
			}
			r.settings = s
			r.scheduler.ApplySettings(s)
		}
	}
}

func (r *Runner) onStatus(st device.Status) {
	switch st.State {
	case device.StateReady:
		r.reconnect.Cancel()
		r.scheduler.Start()

	case device.StateDisconnected, device.StateError:
		r.scheduler.Stop()
		if r.reconnect.Active() {
			// failed attempts of the running sequence
			return
		}
		if st.State != device.StateDisconnected || !st.Unexpected {
			return
		}
		if !r.settings.AutoReconnect.Enabled {
			r.logger.Info("Connection lost; auto-reconnect disabled")
			return
		}
		target, ok := r.link.LastTarget()
		if !ok {
			r.logger.Info("Connection lost before any successful connect; not reconnecting")
			return
		}
		r.reconnect.Start(target, r.settings.AutoReconnect.MaxAttempts)
	}
}
