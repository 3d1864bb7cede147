package hid

import (
	"fmt"
	"sync"
	"time"

	karalabehid "github.com/karalabe/hid"
)

const (
	// SeneyeVendorID is the USB vendor ID for Seneye Ltd.
	SeneyeVendorID uint16 = 0x24f7

	// SeneyeProductID is the USB product ID shared by the Seneye Home,
	// Pond and Reef sensors.
	SeneyeProductID uint16 = 0x2204

	// ReportSize is the fixed HID report length in both directions.
	ReportSize = 64
)

// HIDAPIDevice wraps a karalabe/hid device to implement the Device interface.
// A background goroutine drains input reports into a channel so that Read can
// honour a timeout over hidapi's blocking read.
type HIDAPIDevice struct {
	device  karalabehid.Device // karalabe/hid.Device is an interface
	info    DeviceInfo
	reports chan []byte
	readErr chan error
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Verify HIDAPIDevice implements Device interface.
var _ Device = (*HIDAPIDevice)(nil)

// NewHIDAPIDevice creates a new HIDAPIDevice from an open hid.Device and
// starts its report reader.
func NewHIDAPIDevice(device karalabehid.Device, info DeviceInfo) *HIDAPIDevice {
	d := &HIDAPIDevice{
		device:  device,
		info:    info,
		reports: make(chan []byte, 4),
		readErr: make(chan error, 1),
		done:    make(chan struct{}),
	}
	go d.readLoop()
	return d
}

// readLoop drains input reports from the device until it is closed or the
// underlying read fails. The device streams unsolicited reports in autonomous
// mode, so reads must keep up regardless of in-flight commands.
func (d *HIDAPIDevice) readLoop() {
	for {
		buf := make([]byte, ReportSize)
		n, err := d.device.Read(buf)
		if err != nil {
			select {
			case d.readErr <- err:
			default:
			}
			return
		}
		select {
		case d.reports <- buf[:n]:
		case <-d.done:
			return
		}
	}
}

// Write sends one output report to the device.
func (d *HIDAPIDevice) Write(data []byte) (int, error) {
	select {
	case <-d.done:
		return 0, ErrDeviceClosed
	default:
	}

	n, err := d.device.Write(data)
	if err != nil {
		return n, &TransportError{Op: "write", Err: err}
	}
	return n, nil
}

// Read returns the next input report, blocking up to timeout.
func (d *HIDAPIDevice) Read(timeout time.Duration) ([]byte, error) {
	select {
	case <-d.done:
		return nil, ErrDeviceClosed
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case report := <-d.reports:
		return report, nil
	case err := <-d.readErr:
		return nil, &TransportError{Op: "read", Err: err}
	case <-d.done:
		return nil, ErrDeviceClosed
	case <-timer.C:
		return nil, ErrReadTimeout
	}
}

// Close closes the device handle. Closing unblocks the report reader.
// Subsequent calls return the result of the first close.
func (d *HIDAPIDevice) Close() error {
	d.closeOnce.Do(func() {
		close(d.done)
		d.closeErr = d.device.Close()
	})
	return d.closeErr
}

// Info returns information about the device.
func (d *HIDAPIDevice) Info() DeviceInfo {
	return d.info
}

// EnumerateSensors returns a list of all connected Seneye sensors.
// Returns an error if device enumeration fails.
func EnumerateSensors() ([]DeviceInfo, error) {
	var sensors []DeviceInfo

	devices, err := karalabehid.Enumerate(SeneyeVendorID, SeneyeProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate HID devices: %w", err)
	}

	for _, device := range devices {
		sensors = append(sensors, DeviceInfo{
			Path:         device.Path,
			VendorID:     device.VendorID,
			ProductID:    device.ProductID,
			Serial:       device.Serial,
			Manufacturer: device.Manufacturer,
			Product:      device.Product,
		})
	}

	return sensors, nil
}

// OpenSensor opens a connection to a Seneye sensor by serial number.
// If serial is empty, opens the first available sensor.
func OpenSensor(serial string) (*HIDAPIDevice, error) {
	devices, err := karalabehid.Enumerate(SeneyeVendorID, SeneyeProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	for _, deviceInfo := range devices {
		if serial != "" && deviceInfo.Serial != serial {
			continue
		}

		device, err := deviceInfo.Open()
		if err != nil {
			return nil, classifyOpenError(err)
		}

		info := DeviceInfo{
			Path:         deviceInfo.Path,
			VendorID:     deviceInfo.VendorID,
			ProductID:    deviceInfo.ProductID,
			Serial:       deviceInfo.Serial,
			Manufacturer: deviceInfo.Manufacturer,
			Product:      deviceInfo.Product,
		}

		return NewHIDAPIDevice(device, info), nil
	}

	if serial != "" {
		return nil, fmt.Errorf("%w: serial %s", ErrDeviceNotFound, serial)
	}
	return nil, ErrDeviceNotFound
}
