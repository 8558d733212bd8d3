package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/protocol"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSettings(t *testing.T) {
	s := Default()

	assert.True(t, s.EnableWifi)
	assert.True(t, s.EnableNfc)
	assert.Equal(t, 30*time.Second, s.Intervals.Wifi)
	assert.Equal(t, 60*time.Second, s.Intervals.SubGhz)
	assert.Equal(t, 10*time.Second, s.Intervals.Heartbeat)
	assert.Equal(t, int64(300_000_000), s.SubGhzRange.Start)
	assert.Equal(t, int64(928_000_000), s.SubGhzRange.End)
	assert.True(t, s.Wips.BeaconFlood)
	assert.True(t, s.AutoReconnect.Enabled)
	assert.Equal(t, 5, s.AutoReconnect.MaxAttempts)
	assert.NoError(t, s.Validate())
}

func TestParseKeepsDefaultsForMissingFields(t *testing.T) {
	s, err := Parse([]byte(`
enable_ble: false
intervals:
  wifi: 15s
wips:
  karma_attack: false
auto_reconnect:
  max_attempts: 2
`))
	require.NoError(t, err)

	assert.False(t, s.EnableBle, "an explicit false MUST override the default")
	assert.True(t, s.EnableWifi)
	assert.Equal(t, 15*time.Second, s.Intervals.Wifi)
	assert.Equal(t, 60*time.Second, s.Intervals.SubGhz)
	assert.False(t, s.Wips.Enabled(protocol.WipsKarmaAttack))
	assert.True(t, s.Wips.Enabled(protocol.WipsEvilTwin))
	assert.True(t, s.Wips.Enabled(protocol.WipsAlertType(200)), "unknown alert types MUST pass")
	assert.Equal(t, 2, s.AutoReconnect.MaxAttempts)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"malformed", "enable_wifi: [1"},
		{"interval too short", "intervals:\n  ble: 10ms\n"},
		{"inverted range", "subghz_range:\n  start: 900000000\n  end: 300000000\n"},
		{"range over u32", "subghz_range:\n  end: 5000000000\n"},
		{"negative attempts", "auto_reconnect:\n  max_attempts: -1\n"},
		{"unknown probe", "listeners:\n  subghz:\n    enabled: true\n    probe: radar\n"},
		{"unknown modulation", "listeners:\n  subghz:\n    modulation: ook\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestListenerRequests(t *testing.T) {
	s, err := Parse([]byte(`
listeners:
  subghz:
    enabled: true
    probe: pager
    frequency: 929612500
    modulation: fsk
  nrf24:
    enabled: true
    promiscuous: true
`))
	require.NoError(t, err)
	assert.True(t, s.Listeners.Ir.DetectOpticom, "fields absent from the file MUST keep their defaults")

	reqs, err := s.Listeners.Requests()
	require.NoError(t, err)
	assert.Equal(t, []protocol.Request{
		&protocol.SubGhzConfig{Probe: protocol.ProbePager, Frequency: 929_612_500, Modulation: 1},
		&protocol.Nrf24Config{Promiscuous: true},
	}, reqs, "only enabled listeners MUST produce a request")

	reqs, err = Default().Listeners.Requests()
	require.NoError(t, err)
	assert.Empty(t, reqs, "listeners MUST be off by default")
}

func TestMarshalRoundTrip(t *testing.T) {
	s := Default()
	s.EnableIr = false
	s.Intervals.Nfc = 90 * time.Second

	data, err := s.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "nfc: 1m30s")

	back, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, s, back)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore(Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := store.Watch(ctx)
	assert.True(t, (<-updates).EnableWifi)

	next := Default()
	next.EnableWifi = false
	require.NoError(t, store.Save(next))
	assert.False(t, (<-updates).EnableWifi)

	bad := Default()
	bad.Intervals.Ble = 0
	assert.ErrorIs(t, store.Save(bad), ErrInvalidSettings)
	loaded, _ := store.Load()
	assert.False(t, loaded.EnableWifi, "a rejected snapshot MUST NOT replace the current one")
}

func TestFileStoreMissingFileUsesDefaults(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "settings.yaml"), testutils.QuietLogger())
	require.NoError(t, err)
	s, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), s)
}

func TestFileStoreReloadsOnChange(t *testing.T) {
	// GOAL: editing the settings file publishes a fresh snapshot
	//
	// TEST SCENARIO: file rewritten twice → watchers see the final content; invalid edits are ignored

	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("enable_wifi: true\n"), 0o644))

	store, err := NewFileStore(path, testutils.QuietLogger())
	require.NoError(t, err)
	store.SetDebounce(20 * time.Millisecond)
	require.NoError(t, store.Start(context.Background()))
	defer store.Stop()
	assert.Error(t, store.Start(context.Background()), "a second Start MUST fail")

	require.NoError(t, os.WriteFile(path, []byte("enable_wifi: false\n"), 0o644))
	assert.Eventually(t, func() bool {
		s, _ := store.Load()
		return !s.EnableWifi
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("intervals: [broken"), 0o644))
	time.Sleep(100 * time.Millisecond)
	s, _ := store.Load()
	assert.False(t, s.EnableWifi, "an invalid file MUST keep the previous snapshot")

	next := Default()
	next.EnableNfc = false
	require.NoError(t, store.Save(next))
	assert.Eventually(t, func() bool {
		s, _ := store.Load()
		return !s.EnableNfc && s.EnableWifi
	}, 3*time.Second, 10*time.Millisecond)
}
