package devicefactory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/device"
	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/testutils"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedScanner struct {
	ads []device.Advertisement
	err error
}

func (s *scriptedScanner) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	for _, adv := range s.ads {
		handler(adv)
	}
	return s.err
}

func swapScanner(t *testing.T, sc device.Scanner, err error) {
	original := ScannerFactory
	t.Cleanup(func() { ScannerFactory = original })
	ScannerFactory = func() (device.Scanner, error) { return sc, err }
}

func TestDiscoverFiltersAndDeduplicates(t *testing.T) {
	swapScanner(t, &scriptedScanner{ads: []device.Advertisement{
		{Address: "aa:01", Name: "Flipper Kakt", RSSI: -70},
		{Address: "bb:02", Name: "Headphones", RSSI: -40},
		{Address: "cc:03", RSSI: -80, Services: []string{"6E400001B5A3F393E0A9E50E24DCCA9E"}},
		{Address: "aa:01", Name: "Flipper Kakt", RSSI: -55},
		{Address: "dd:04", Services: []string{device.CLIServiceUUID}},
	}}, nil)

	found, err := Discover(context.Background(), time.Second, testutils.QuietLogger())
	require.NoError(t, err)
	require.Len(t, found, 3)
	assert.Equal(t, "aa:01", found[0].Address)
	assert.Equal(t, -55, found[0].RSSI, "a repeated advertisement MUST refresh the RSSI")
	assert.Equal(t, "cc:03", found[1].Address)
	assert.Equal(t, "dd:04", found[2].Address)
}

func TestDiscoverErrors(t *testing.T) {
	swapScanner(t, nil, device.ErrBluetoothOff)
	_, err := Discover(context.Background(), time.Second, nil)
	assert.ErrorIs(t, err, device.ErrBluetoothOff)

	swapScanner(t, &scriptedScanner{err: errors.New("hci0: busy")}, nil)
	_, err = Discover(context.Background(), time.Second, nil)
	assert.ErrorContains(t, err, "busy")
}

func TestNewSessionsUseInjectedDialer(t *testing.T) {
	original := DialerFactory
	t.Cleanup(func() { DialerFactory = original })

	peripheral := testutils.NewBridgePeripheral().Build()
	DialerFactory = func(*logrus.Logger) device.Dialer { return peripheral }

	bleSession, usbSession, err := NewSessions(DefaultOptions(), testutils.QuietLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = bleSession.Close()
		_ = usbSession.Close()
	})

	assert.Equal(t, device.TransportBLE, bleSession.Kind())
	assert.Equal(t, device.TransportUSB, usbSession.Kind())

	require.NoError(t, bleSession.Connect(context.Background(), "AA:BB:CC:DD:EE:FF"))
	assert.Eventually(t, func() bool { return bleSession.Status().State == device.StateReady },
		2*time.Second, 5*time.Millisecond, "the session MUST dial through the injected dialer")
	assert.Equal(t, 1, peripheral.Dials())
}
