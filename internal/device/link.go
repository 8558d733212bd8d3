package device

import (
	"context"
	"strings"
)

// DefaultATTMTU is the BLE minimum ATT MTU, used when negotiation fails.
const DefaultATTMTU = 23

// Properties is a bitmask of GATT characteristic properties.
type Properties uint8

const (
	PropRead Properties = 1 << iota
	PropWrite
	PropWriteNoResponse
	PropNotify
	PropIndicate
)

func (p Properties) String() string {
	var names []string
	for _, v := range []struct {
		bit  Properties
		name string
	}{
		{PropRead, "read"},
		{PropWrite, "write"},
		{PropWriteNoResponse, "write-without-response"},
		{PropNotify, "notify"},
		{PropIndicate, "indicate"},
	} {
		if p&v.bit != 0 {
			names = append(names, v.name)
		}
	}
	return strings.Join(names, ",")
}

// Characteristic describes a discovered GATT characteristic.
type Characteristic struct {
	UUID       string
	Properties Properties
}

// Service describes a discovered GATT service.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// Characteristic looks up a characteristic by UUID in any notation.
func (s Service) Characteristic(uuid string) (Characteristic, bool) {
	for _, c := range s.Characteristics {
		if SameUUID(c.UUID, uuid) {
			return c, true
		}
	}
	return Characteristic{}, false
}

// FindService looks up a service by UUID in any notation.
func FindService(services []Service, uuid string) (Service, bool) {
	for _, s := range services {
		if SameUUID(s.UUID, uuid) {
			return s, true
		}
	}
	return Service{}, false
}

// LinkEvents receives asynchronous notifications from a Link. Callbacks run
// on the link's goroutines and must not block.
type LinkEvents struct {
	// OnMTU reports the outcome of RequestMTU. Some stacks report more than once.
	OnMTU func(mtu int, err error)
	// OnDisconnect reports loss of the link. It is not called after Close.
	OnDisconnect func(err error)
}

// Link is an established GATT connection.
type Link interface {
	// RequestMTU starts MTU negotiation; the result arrives via LinkEvents.OnMTU.
	RequestMTU(mtu int) error
	DiscoverServices(ctx context.Context) ([]Service, error)
	// EnableNotifications subscribes handler to a characteristic. It returns
	// ErrNoNotifyDescriptor when the characteristic cannot be configured.
	EnableNotifications(service, characteristic string, handler func([]byte)) error
	Write(service, characteristic string, data []byte, withResponse bool) error
	Close() error
}

// Dialer opens Links to peripherals by address.
type Dialer interface {
	Dial(ctx context.Context, address string, events LinkEvents) (Link, error)
}

// Advertisement is a peripheral seen while scanning.
type Advertisement struct {
	Address     string
	Name        string
	RSSI        int
	Connectable bool
	Services    []string
}

// Scanner discovers advertising peripherals.
type Scanner interface {
	Scan(ctx context.Context, handler func(Advertisement)) error
}
