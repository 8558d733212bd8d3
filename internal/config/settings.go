// Package config holds the scanner settings snapshot and the stores that
// provide it. The scheduler reads one immutable snapshot per restart cycle.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/protocol"
	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"
)

// Intervals between scheduled scans of each type.
type Intervals struct {
	Wifi      time.Duration `yaml:"wifi" default:"30s"`
	SubGhz    time.Duration `yaml:"subghz" default:"60s"`
	Ble       time.Duration `yaml:"ble" default:"30s"`
	Ir        time.Duration `yaml:"ir" default:"45s"`
	Nfc       time.Duration `yaml:"nfc" default:"45s"`
	Heartbeat time.Duration `yaml:"heartbeat" default:"10s"`
}

// FrequencyRange is the Sub-GHz sweep in Hz.
type FrequencyRange struct {
	Start int64 `yaml:"start" default:"300000000"`
	End   int64 `yaml:"end" default:"928000000"`
}

// WipsToggles enables each WIPS alert type individually.
type WipsToggles struct {
	EvilTwin              bool `yaml:"evil_twin" default:"true"`
	DeauthAttack          bool `yaml:"deauth_attack" default:"true"`
	KarmaAttack           bool `yaml:"karma_attack" default:"true"`
	HiddenNetworkStrong   bool `yaml:"hidden_network_strong" default:"true"`
	SuspiciousOpenNetwork bool `yaml:"suspicious_open_network" default:"true"`
	WeakEncryption        bool `yaml:"weak_encryption" default:"true"`
	ChannelInterference   bool `yaml:"channel_interference" default:"true"`
	MacSpoofing           bool `yaml:"mac_spoofing" default:"true"`
	RogueAP               bool `yaml:"rogue_ap" default:"true"`
	SignalAnomaly         bool `yaml:"signal_anomaly" default:"true"`
	BeaconFlood           bool `yaml:"beacon_flood" default:"true"`
}

// Enabled reports whether alerts of type t should be surfaced. Unknown
// types are always surfaced.
func (w WipsToggles) Enabled(t protocol.WipsAlertType) bool {
	switch t {
	case protocol.WipsEvilTwin:
		return w.EvilTwin
	case protocol.WipsDeauthAttack:
		return w.DeauthAttack
	case protocol.WipsKarmaAttack:
		return w.KarmaAttack
	case protocol.WipsHiddenNetworkStrong:
		return w.HiddenNetworkStrong
	case protocol.WipsSuspiciousOpenNetwork:
		return w.SuspiciousOpenNetwork
	case protocol.WipsWeakEncryption:
		return w.WeakEncryption
	case protocol.WipsChannelInterference:
		return w.ChannelInterference
	case protocol.WipsMacSpoofing:
		return w.MacSpoofing
	case protocol.WipsRogueAP:
		return w.RogueAP
	case protocol.WipsSignalAnomaly:
		return w.SignalAnomaly
	case protocol.WipsBeaconFlood:
		return w.BeaconFlood
	default:
		return true
	}
}

// AutoReconnect configures the reconnect supervisor.
type AutoReconnect struct {
	Enabled     bool `yaml:"enabled" default:"true"`
	MaxAttempts int  `yaml:"max_attempts" default:"5"`
}

// SubGhzListener configures the passive Sub-GHz listener.
type SubGhzListener struct {
	Enabled    bool   `yaml:"enabled" default:"false"`
	Probe      string `yaml:"probe" default:"tpms"`
	Frequency  uint32 `yaml:"frequency" default:"0"` // 0 selects the probe's default
	Modulation string `yaml:"modulation" default:"ask"`
}

// IrListener toggles emergency strobe (Opticom) detection.
type IrListener struct {
	Enabled       bool `yaml:"enabled" default:"false"`
	DetectOpticom bool `yaml:"detect_opticom" default:"true"`
}

// Nrf24Listener toggles promiscuous NRF24 scanning.
type Nrf24Listener struct {
	Enabled     bool `yaml:"enabled" default:"false"`
	Promiscuous bool `yaml:"promiscuous" default:"false"`
}

// Listeners configures the scanner's passive listeners. Enabled entries are
// pushed to the scanner whenever the connection becomes ready and whenever
// they change.
type Listeners struct {
	SubGhz SubGhzListener `yaml:"subghz"`
	Ir     IrListener     `yaml:"ir"`
	Nrf24  Nrf24Listener  `yaml:"nrf24"`
}

// Request builds the SubGhzConfig request. Names are checked even while the
// listener is disabled.
func (l SubGhzListener) Request() (*protocol.SubGhzConfig, error) {
	probe, err := protocol.ParseSubGhzProbe(l.Probe)
	if err != nil {
		return nil, err
	}
	mod, err := protocol.ParseModulation(l.Modulation)
	if err != nil {
		return nil, err
	}
	return &protocol.SubGhzConfig{Probe: probe, Frequency: l.Frequency, Modulation: mod}, nil
}

// Requests builds the configuration requests for the enabled listeners.
func (l Listeners) Requests() ([]protocol.Request, error) {
	subghz, err := l.SubGhz.Request()
	if err != nil {
		return nil, err
	}

	var reqs []protocol.Request
	if l.SubGhz.Enabled {
		reqs = append(reqs, subghz)
	}
	if l.Ir.Enabled {
		reqs = append(reqs, &protocol.IrConfig{DetectOpticom: l.Ir.DetectOpticom})
	}
	if l.Nrf24.Enabled {
		reqs = append(reqs, &protocol.Nrf24Config{Promiscuous: l.Nrf24.Promiscuous})
	}
	return reqs, nil
}

// Settings is one snapshot of the user's scanner configuration.
type Settings struct {
	EnableWifi   bool `yaml:"enable_wifi" default:"true"`
	EnableSubGhz bool `yaml:"enable_subghz" default:"true"`
	EnableBle    bool `yaml:"enable_ble" default:"true"`
	EnableIr     bool `yaml:"enable_ir" default:"true"`
	EnableNfc    bool `yaml:"enable_nfc" default:"true"`

	Intervals     Intervals      `yaml:"intervals"`
	SubGhzRange   FrequencyRange `yaml:"subghz_range"`
	Wips          WipsToggles    `yaml:"wips"`
	AutoReconnect AutoReconnect  `yaml:"auto_reconnect"`
	Listeners     Listeners      `yaml:"listeners"`
}

// Default returns the settings used when nothing is configured.
func Default() Settings {
	var s Settings
	defaults.SetDefaults(&s)
	return s
}

// MinInterval is the shortest accepted scan interval.
const MinInterval = time.Second

// ErrInvalidSettings wraps every validation failure.
var ErrInvalidSettings = errors.New("invalid settings")

// Validate checks ranges the scheduler relies on.
func (s Settings) Validate() error {
	intervals := map[string]time.Duration{
		"wifi":      s.Intervals.Wifi,
		"subghz":    s.Intervals.SubGhz,
		"ble":       s.Intervals.Ble,
		"ir":        s.Intervals.Ir,
		"nfc":       s.Intervals.Nfc,
		"heartbeat": s.Intervals.Heartbeat,
	}
	var errs []error
	for name, d := range intervals {
		if d < MinInterval {
			errs = append(errs, fmt.Errorf("%w: %s interval %s is below %s", ErrInvalidSettings, name, d, MinInterval))
		}
	}
	if _, err := protocol.NewSubGhzScanRequest(s.SubGhzRange.Start, s.SubGhzRange.End); err != nil {
		errs = append(errs, fmt.Errorf("%w: subghz range: %w", ErrInvalidSettings, err))
	}
	if _, err := s.Listeners.Requests(); err != nil {
		errs = append(errs, fmt.Errorf("%w: listeners: %w", ErrInvalidSettings, err))
	}
	if s.AutoReconnect.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("%w: auto_reconnect.max_attempts must not be negative", ErrInvalidSettings))
	}
	return errors.Join(errs...)
}

// Parse decodes YAML settings. Fields absent from data keep their defaults.
func Parse(data []byte) (Settings, error) {
	s := Default()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to parse settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Marshal renders s as YAML.
func (s Settings) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}
