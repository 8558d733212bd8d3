package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/groutine"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/observable"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// SettingsStore provides settings snapshots.
type SettingsStore interface {
	// Load returns the current snapshot.
	Load() (Settings, error)
	// Watch emits the current snapshot, then every new one, until ctx ends.
	Watch(ctx context.Context) <-chan Settings
}

// MemoryStore keeps settings in memory.
type MemoryStore struct {
	value *observable.Value[Settings]
}

var _ SettingsStore = (*MemoryStore)(nil)

// NewMemoryStore creates a store holding initial.
func NewMemoryStore(initial Settings) *MemoryStore {
	return &MemoryStore{value: observable.New(initial)}
}

func (m *MemoryStore) Load() (Settings, error) { return m.value.Get(), nil }

func (m *MemoryStore) Watch(ctx context.Context) <-chan Settings { return m.value.Watch(ctx) }

// Save validates and publishes s.
func (m *MemoryStore) Save(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.value.Set(s)
	return nil
}

// DefaultDebounce collapses the burst of events an editor produces on save.
const DefaultDebounce = 500 * time.Millisecond

// FileStore reads settings from a YAML file and reloads it when it changes.
// A missing file yields the defaults.
type FileStore struct {
	path     string
	logger   *logrus.Logger
	debounce time.Duration

	mu      sync.Mutex
	value   *observable.Value[Settings]
	started bool
	group   *groutine.Group
}

var _ SettingsStore = (*FileStore)(nil)

// NewFileStore loads path once. The file is only watched after Start.
func NewFileStore(path string, logger *logrus.Logger) (*FileStore, error) {
	if logger == nil {
		logger = logrus.New()
	}
	s, err := readSettings(path)
	if err != nil {
		return nil, err
	}
	return &FileStore{
		path:     path,
		logger:   logger,
		debounce: DefaultDebounce,
		value:    observable.New(s),
	}, nil
}

// SetDebounce changes the reload debounce; call before Start.
func (f *FileStore) SetDebounce(d time.Duration) { f.debounce = d }

func (f *FileStore) Load() (Settings, error) { return f.value.Get(), nil }

func (f *FileStore) Watch(ctx context.Context) <-chan Settings { return f.value.Watch(ctx) }

// Save writes s to the file. The watcher picks the change up like any
// other edit.
func (f *FileStore) Save(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := s.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(f.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

// Start watches the settings file's directory. Watching the directory
// survives editors that replace the file instead of writing it in place.
func (f *FileStore) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return errors.New("settings watcher already started")
	}

	abs, err := filepath.Abs(f.path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create settings watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	f.started = true
	f.group = groutine.NewGroup(ctx, "settings")
	f.group.Go("watcher", func(ctx context.Context) {
		defer w.Close()
		f.watchLoop(ctx, w, filepath.Base(abs))
	})
	f.logger.WithField("path", abs).Debug("Watching settings file")
	return nil
}

// Stop ends watching.
func (f *FileStore) Stop() {
	f.mu.Lock()
	g := f.group
	f.group = nil
	f.started = false
	f.mu.Unlock()
	if g != nil {
		g.Stop()
	}
}

func (f *FileStore) watchLoop(ctx context.Context, w *fsnotify.Watcher, name string) {
	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(f.debounce)
			} else {
				timer.Reset(f.debounce)
			}
			pending = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			f.logger.WithError(err).Warn("Settings watcher error")
		case <-pending:
			pending = nil
			f.reload()
		}
	}
}

func (f *FileStore) reload() {
	s, err := readSettings(f.path)
	if err != nil {
		f.logger.WithError(err).WithField("path", f.path).Warn("Ignoring invalid settings file")
		return
	}
	f.logger.WithField("path", f.path).Info("Settings reloaded")
	f.value.Set(s)
}

func readSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read settings: %w", err)
	}
	return Parse(data)
}
