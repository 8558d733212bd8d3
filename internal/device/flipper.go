package device

// GATT layout of the scanner. The serial service is only present while the
// flock_bridge firmware extension runs; otherwise the stock CLI service is
// the only way in.
const (
	SerialServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	SerialWriteUUID   = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	SerialNotifyUUID  = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"

	CLIServiceUUID = "8fe5b3d5-2e7f-4a98-2a48-7acc60fe0000"
	CLIWriteUUID   = "19ed82ae-ed21-4c9d-4145-228e62fe0000"

	// FirmwareApp is the loader name of the firmware extension.
	FirmwareApp = "flock_bridge"
)

// LaunchCommand is the CLI line that starts app on the device.
func LaunchCommand(app string) string {
	return "loader open " + app + "\r\n"
}

// USB identifiers of the scanner's CDC serial interface.
const (
	FlipperUSBVendorID  = "0483"
	FlipperUSBProductID = "5740"
)
