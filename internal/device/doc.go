// Package device defines the connection model shared by every transport:
// the session lifecycle states, the error taxonomy, UUID helpers, and the
// narrow GATT capability interfaces (Dialer, Link, Scanner) that platform
// Bluetooth adapters implement.
//
// Nothing in this package talks to hardware; see internal/device/go-ble for
// the platform adapter and internal/testutils for a simulated peripheral.
package device
