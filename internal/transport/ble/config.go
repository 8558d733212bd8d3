package ble

import (
	"fmt"
	"time"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/device"
	"github.com/mcuadros/go-defaults"
)

// Config tunes the BLE session. Zero fields take their defaults.
type Config struct {
	SerialService string
	SerialWrite   string
	SerialNotify  string
	CLIService    string
	CLIWrite      string
	LaunchCommand string

	DesiredMTU        int           `default:"512"`
	ConnectTimeout    time.Duration `default:"15s"`
	MTUTimeout        time.Duration `default:"5s"`
	DiscoveryTimeout  time.Duration `default:"10s"`
	SettleDelay       time.Duration `default:"2s"`
	LaunchBackoff     time.Duration `default:"2s"`
	MaxLaunchAttempts int           `default:"3"`
	// OutboundBuffer is the byte capacity of the send queue.
	OutboundBuffer int `default:"16384"`
}

// DefaultConfig returns the layout of the flock_bridge scanner.
func DefaultConfig() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	defaults.SetDefaults(c)

	setIfEmpty := func(field *string, value string) {
		if *field == "" {
			*field = value
		}
	}
	setIfEmpty(&c.SerialService, device.SerialServiceUUID)
	setIfEmpty(&c.SerialWrite, device.SerialWriteUUID)
	setIfEmpty(&c.SerialNotify, device.SerialNotifyUUID)
	setIfEmpty(&c.CLIService, device.CLIServiceUUID)
	setIfEmpty(&c.CLIWrite, device.CLIWriteUUID)
	setIfEmpty(&c.LaunchCommand, device.LaunchCommand(device.FirmwareApp))
}

// validate rejects malformed service and characteristic UUIDs.
func (c *Config) validate() error {
	if _, err := device.ValidateUUID(c.SerialService, c.SerialWrite, c.SerialNotify, c.CLIService, c.CLIWrite); err != nil {
		return fmt.Errorf("ble config: %w", err)
	}
	return nil
}

// launchDelay is the linear backoff before relaunch attempt n+1.
func (c *Config) launchDelay(attempt int) time.Duration {
	return c.LaunchBackoff * time.Duration(attempt)
}
