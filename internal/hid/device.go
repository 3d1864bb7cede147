// Package hid provides the raw HID transport for Seneye USB sensor devices.
package hid

import "time"

//go:generate mockgen -source=device.go -destination=mocks/device_mock.go -package=mocks

// DeviceInfo contains information about a HID device.
type DeviceInfo struct {
	Path         string
	VendorID     uint16
	ProductID    uint16
	Serial       string
	Manufacturer string
	Product      string
}

// Device represents an open HID device exchanging fixed-length reports.
// This interface allows for mocking in tests.
type Device interface {
	// Write sends one output report to the device.
	Write(data []byte) (int, error)

	// Read returns the next input report from the device, blocking up to
	// timeout. Returns ErrReadTimeout if no report arrives in time.
	Read(timeout time.Duration) ([]byte, error)

	// Close closes the device handle. Safe to call more than once.
	Close() error

	// Info returns information about the device.
	Info() DeviceInfo
}
