package device

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a GATT resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionErrorKind represents the specific kind of connection state failure
type ConnectionErrorKind string

const (
	NotConnected     ConnectionErrorKind = "not_connected"
	AlreadyConnected ConnectionErrorKind = "already_connected"
	NotInitialized   ConnectionErrorKind = "not_initialized"
	NotReady         ConnectionErrorKind = "not_ready"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	Kind ConnectionErrorKind
	Msg  string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by Kind
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{Kind: NotConnected}
	ErrAlreadyConnected = &ConnectionError{Kind: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{Kind: NotInitialized}
	ErrNotReady         = &ConnectionError{Kind: NotReady}
)

// Operation errors
var (
	ErrTimeout      = errors.New("timeout")
	ErrUnsupported  = errors.New("unsupported")
	ErrBluetoothOff = errors.New("bluetooth is turned off")
)

// Session negotiation errors
var (
	// ErrBootstrapFailed means the firmware extension did not come up after the
	// bounded number of launch attempts.
	ErrBootstrapFailed = errors.New("firmware extension did not start")

	// ErrIncompatibleDevice means neither the serial nor the CLI service was found.
	ErrIncompatibleDevice = errors.New("incompatible device: no serial or CLI service")

	// ErrNoNotifyDescriptor is returned by a Link when a characteristic has no
	// client configuration descriptor; the device streams without an explicit enable.
	ErrNoNotifyDescriptor = errors.New("characteristic has no notification descriptor")
)

// ContainsIgnoreCase checks the substring case-insensitively
func ContainsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
