package device

import "fmt"

// ConnectionState is the lifecycle of a transport session.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDiscoveringServices
	StateLaunchingFirmwareExtension
	StateReady
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDiscoveringServices:
		return "discovering_services"
	case StateLaunchingFirmwareExtension:
		return "launching_firmware_extension"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Idle reports whether a new connection attempt may start from this state.
func (s ConnectionState) Idle() bool {
	return s == StateDisconnected || s == StateError
}

// TransportKind selects the physical link to the device.
type TransportKind int

const (
	TransportBLE TransportKind = iota
	TransportUSB
)

func (k TransportKind) String() string {
	switch k {
	case TransportBLE:
		return "ble"
	case TransportUSB:
		return "usb"
	default:
		return fmt.Sprintf("transport(%d)", int(k))
	}
}

// ParseTransportKind maps "ble" or "usb" to a TransportKind.
func ParseTransportKind(s string) (TransportKind, error) {
	switch s {
	case "ble", "BLE":
		return TransportBLE, nil
	case "usb", "USB", "serial":
		return TransportUSB, nil
	default:
		return 0, fmt.Errorf("unknown transport %q (must be ble or usb)", s)
	}
}

// Status is the published state of a session.
type Status struct {
	Transport TransportKind
	State     ConnectionState
	// Target is the address or port the session is bound to.
	Target string
	// Err explains StateError, and an unexpected StateDisconnected when known.
	Err error
	// Unexpected marks a StateDisconnected the user did not ask for.
	Unexpected bool
}

func (s Status) String() string {
	switch {
	case s.Err != nil:
		return fmt.Sprintf("%s/%s: %v", s.Transport, s.State, s.Err)
	case s.Unexpected:
		return fmt.Sprintf("%s/%s (unexpected)", s.Transport, s.State)
	default:
		return fmt.Sprintf("%s/%s", s.Transport, s.State)
	}
}
