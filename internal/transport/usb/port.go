package usb

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/device"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Port is the byte stream of an open serial device.
type Port interface {
	io.Reader
	io.Writer
	io.Closer
}

// PortOpener opens a serial device (can be overridden in tests).
//
//nolint:revive // PortOpener name mirrors goble.DeviceFactory
var PortOpener = func(name string, baudRate int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}
	// bytes left over from a previous session would desync the first frame
	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to flush serial port %s: %w", name, err)
	}
	return port, nil
}

// portLister enumerates serial devices (can be overridden in tests).
var portLister = enumerator.GetDetailedPortsList

// PortInfo describes one serial device on the host.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
	// IsScanner marks the device's USB CDC interface.
	IsScanner bool
}

func (p PortInfo) String() string {
	if !p.IsUSB {
		return p.Name
	}
	s := fmt.Sprintf("%s [%s:%s]", p.Name, p.VID, p.PID)
	if p.Product != "" {
		s += " " + p.Product
	}
	return s
}

// ListPorts returns serial devices, scanners first.
func ListPorts() ([]PortInfo, error) {
	details, err := portLister()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		info := PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          strings.ToUpper(d.VID),
			PID:          strings.ToUpper(d.PID),
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		}
		info.IsScanner = isScanner(info)
		ports = append(ports, info)
	}
	sort.SliceStable(ports, func(i, j int) bool {
		if ports[i].IsScanner != ports[j].IsScanner {
			return ports[i].IsScanner
		}
		return ports[i].Name < ports[j].Name
	})
	return ports, nil
}

// ErrNoScannerPort means no attached serial device looks like the scanner.
var ErrNoScannerPort = errors.New("no scanner found on any serial port")

// FindScannerPort returns the first serial port that looks like the scanner.
func FindScannerPort() (string, error) {
	ports, err := ListPorts()
	if err != nil {
		return "", err
	}
	for _, p := range ports {
		if p.IsScanner {
			return p.Name, nil
		}
	}
	return "", ErrNoScannerPort
}

func isScanner(p PortInfo) bool {
	if !p.IsUSB {
		return false
	}
	if strings.EqualFold(p.VID, device.FlipperUSBVendorID) && strings.EqualFold(p.PID, device.FlipperUSBProductID) {
		return true
	}
	return device.ContainsIgnoreCase(p.Product, "flipper")
}

// isUnplugged reports whether a read error means the device went away
// rather than a configuration or permission problem.
func isUnplugged(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}

	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
			return true
		default:
			return false
		}
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "device not configured") ||
		strings.Contains(msg, "input/output error") ||
		strings.Contains(msg, "no such device") ||
		strings.Contains(msg, "broken pipe")
}
