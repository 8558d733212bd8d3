package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/device"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/groutine"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
)

// ----------------------------
// Device Factory
// ----------------------------

// DeviceFactory creates ble.Device instances (can be overridden in tests).
// The platform default lives in device_<os>.go.
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

var (
	defaultDeviceMu  sync.Mutex
	defaultDeviceSet bool
)

// ensureDefaultDevice installs the platform HCI device once per process.
func ensureDefaultDevice() error {
	defaultDeviceMu.Lock()
	defer defaultDeviceMu.Unlock()
	if defaultDeviceSet {
		return nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	ble.SetDefaultDevice(dev)
	defaultDeviceSet = true
	return nil
}

// ----------------------------
// Dialer
// ----------------------------

// Dialer opens GATT links through go-ble.
type Dialer struct {
	logger *logrus.Logger
}

var _ device.Dialer = (*Dialer)(nil)

// NewDialer creates a go-ble backed device.Dialer.
func NewDialer(logger *logrus.Logger) *Dialer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Dialer{logger: logger}
}

// Dial connects to address. Disconnection is reported via events.OnDisconnect
// unless the link is closed first.
func (d *Dialer) Dial(ctx context.Context, address string, events device.LinkEvents) (device.Link, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}
	if err := ensureDefaultDevice(); err != nil {
		return nil, err
	}

	d.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := ble.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))
	}

	l := &Link{
		client: client,
		events: events,
		logger: d.logger,
		chars:  make(map[string]*ble.Characteristic),
		done:   make(chan struct{}),
	}
	groutine.Go(context.Background(), "ble-connection-monitor", l.monitor)

	d.logger.WithField("address", address).Info("BLE device connected")
	return l, nil
}

// ----------------------------
// Link
// ----------------------------

// Link is a live go-ble client connection.
type Link struct {
	client ble.Client
	events device.LinkEvents
	logger *logrus.Logger

	mu     sync.RWMutex
	chars  map[string]*ble.Characteristic
	closed atomic.Bool
	done   chan struct{}
	once   sync.Once
}

var _ device.Link = (*Link)(nil)

func charKey(service, char string) string {
	return device.NormalizeUUID(service) + "/" + device.NormalizeUUID(char)
}

// monitor forwards CoreBluetooth/HCI disconnection unless Close got there first.
func (l *Link) monitor(ctx context.Context) {
	select {
	case <-l.client.Disconnected():
		if l.closed.CompareAndSwap(false, true) {
			l.logger.Warn("BLE stack reported disconnection")
			if l.events.OnDisconnect != nil {
				l.events.OnDisconnect(device.ErrNotConnected)
			}
		}
	case <-l.done:
	}
}

// RequestMTU runs the ATT MTU exchange in the background.
func (l *Link) RequestMTU(mtu int) error {
	if l.closed.Load() {
		return device.ErrNotConnected
	}
	groutine.Go(context.Background(), "ble-mtu-exchange", func(context.Context) {
		txMTU, err := l.client.ExchangeMTU(mtu)
		if l.events.OnMTU != nil && !l.closed.Load() {
			l.events.OnMTU(txMTU, NormalizeError(err))
		}
	})
	return nil
}

// DiscoverServices walks the full GATT profile.
func (l *Link) DiscoverServices(ctx context.Context) ([]device.Service, error) {
	if l.closed.Load() {
		return nil, device.ErrNotConnected
	}

	type result struct {
		profile *ble.Profile
		err     error
	}
	ch := make(chan result, 1)
	groutine.Go(ctx, "ble-discover-profile", func(context.Context) {
		p, err := l.client.DiscoverProfile(true)
		ch <- result{p, err}
	})

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("profile discovery: %w", ctx.Err())
	}
	if res.err != nil {
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(res.err))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	services := make([]device.Service, 0, len(res.profile.Services))
	for _, bleSvc := range res.profile.Services {
		svc := device.Service{UUID: device.NormalizeUUID(bleSvc.UUID.String())}
		for _, bleChar := range bleSvc.Characteristics {
			uuid := device.NormalizeUUID(bleChar.UUID.String())
			l.chars[charKey(svc.UUID, uuid)] = bleChar
			svc.Characteristics = append(svc.Characteristics, device.Characteristic{
				UUID:       uuid,
				Properties: convertProperties(bleChar.Property),
			})
		}
		l.logger.WithFields(logrus.Fields{
			"service_uuid":    svc.UUID,
			"characteristics": len(svc.Characteristics),
		}).Debug("Found service")
		services = append(services, svc)
	}
	return services, nil
}

func (l *Link) lookup(service, characteristic string) (*ble.Characteristic, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.chars[charKey(service, characteristic)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, characteristic}}
	}
	return c, nil
}

// EnableNotifications subscribes handler to notifications, or indications
// when the characteristic only supports those.
func (l *Link) EnableNotifications(service, characteristic string, handler func([]byte)) error {
	if l.closed.Load() {
		return device.ErrNotConnected
	}
	c, err := l.lookup(service, characteristic)
	if err != nil {
		return err
	}
	if c.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return device.ErrNoNotifyDescriptor
	}
	indicate := c.Property&ble.CharNotify == 0
	if err := l.client.Subscribe(c, indicate, handler); err != nil {
		return NormalizeError(err)
	}
	l.logger.WithField("char_uuid", characteristic).Debug("Subscribed to characteristic notifications")
	return nil
}

// Write writes one chunk; callers split data to the negotiated MTU.
func (l *Link) Write(service, characteristic string, data []byte, withResponse bool) error {
	if l.closed.Load() {
		return device.ErrNotConnected
	}
	c, err := l.lookup(service, characteristic)
	if err != nil {
		return err
	}
	if err := l.client.WriteCharacteristic(c, data, !withResponse); err != nil {
		return fmt.Errorf("failed to write to characteristic %s: %w", characteristic, NormalizeError(err))
	}
	return nil
}

// Close tears the connection down without reporting OnDisconnect.
func (l *Link) Close() error {
	var err error
	l.once.Do(func() {
		l.closed.Store(true)
		close(l.done)
		if subErr := l.client.ClearSubscriptions(); subErr != nil {
			l.logger.WithError(subErr).Debug("Failed to clear subscriptions during close")
		}
		err = NormalizeError(l.client.CancelConnection())
	})
	return err
}
