package hid

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
)

var (
	// ErrDeviceNotFound is returned when no matching sensor is attached.
	ErrDeviceNotFound = errors.New("no Seneye sensor found")

	// ErrPermissionDenied is returned when the OS refuses access to the
	// device node, typically because of missing udev rules.
	ErrPermissionDenied = errors.New("permission denied opening sensor")

	// ErrReadTimeout is returned when no report arrived within the timeout.
	ErrReadTimeout = errors.New("timed out waiting for report")

	// ErrDeviceClosed is returned for operations on a closed device.
	ErrDeviceClosed = errors.New("device is closed")
)

// TransportError wraps an I/O failure from the underlying HID library.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("hid %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsDeviceGone reports whether err indicates the device has been closed or
// physically disconnected, so that callers can trigger re-enumeration.
func IsDeviceGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDeviceClosed) || errors.Is(err, syscall.ENODEV) {
		return true
	}
	// hidapi reports disconnects with plain error strings.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such device") || strings.Contains(msg, "device disconnected")
}

// classifyOpenError maps an open failure from the HID library onto the
// transport error taxonomy.
func classifyOpenError(err error) error {
	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) ||
		strings.Contains(strings.ToLower(err.Error()), "permission") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return &TransportError{Op: "open", Err: err}
}
