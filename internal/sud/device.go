package sud

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aquamon/seneye-sensor-daemon/internal/hid"
	"github.com/aquamon/seneye-sensor-daemon/internal/protocol"
)

// DefaultTimeout bounds a whole command exchange, matching the device's
// worst-case response latency for a sensor reading.
const DefaultTimeout = 10 * time.Second

// Device is the driver facade for one Seneye sensor. It owns the transport
// handle and the device mode exclusively.
//
// A Device is not safe for concurrent use: it assumes one in-flight exchange
// at a time, matching the one physical USB connection. Callers running from
// multiple goroutines must serialize access themselves (the daemon does this
// in the Manager).
type Device struct {
	dev     hid.Device
	mode    Mode
	timeout time.Duration
}

// Option is a functional option for configuring a Device.
type Option func(*Device)

// WithTimeout sets the per-exchange deadline. Action blocks for at most this
// long waiting for the device's response reports.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Device) {
		d.timeout = timeout
	}
}

// Open opens a Seneye sensor by serial number and returns its driver in Idle
// mode. If serial is empty, the first available sensor is used.
func Open(serial string, opts ...Option) (*Device, error) {
	dev, err := hid.OpenSensor(serial)
	if err != nil {
		return nil, err
	}
	return NewDevice(dev, opts...), nil
}

// NewDevice wraps an already open transport in a driver facade, in Idle mode.
func NewDevice(dev hid.Device, opts ...Option) *Device {
	d := &Device{
		dev:     dev,
		mode:    Idle,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Mode returns the current device mode.
func (d *Device) Mode() Mode {
	return d.mode
}

// Info returns information about the underlying HID device.
func (d *Device) Info() hid.DeviceInfo {
	return d.dev.Info()
}

// Serial returns the serial number of the sensor.
func (d *Device) Serial() string {
	return d.dev.Info().Serial
}

// Action runs one command exchange: mode check, encode, write, then read
// until every expected response report has arrived, bounded by the exchange
// timeout. The last decoded report is returned.
//
// The mode check happens before any I/O; a command outside its legal-mode
// set fails with an InvalidStateError without touching the device. A failed
// exchange leaves the mode unchanged, so a timed-out ENTER_INTERACTIVE_MODE
// can simply be retried.
func (d *Device) Action(cmd protocol.Command, arg ...byte) (protocol.Response, error) {
	spec, ok := commandModes[cmd]
	if !ok {
		return nil, fmt.Errorf("%w: %#02x", protocol.ErrUnknownCommand, byte(cmd))
	}

	legal := false
	for _, m := range spec.legal {
		if d.mode == m {
			legal = true
			break
		}
	}
	if !legal {
		return nil, &InvalidStateError{Command: cmd, Mode: d.mode}
	}

	report, err := protocol.Encode(cmd, arg)
	if err != nil {
		return nil, err
	}

	if _, err := d.dev.Write(report); err != nil {
		return nil, err
	}

	// The device streams unsolicited reports in autonomous mode and answers
	// some commands with more than one report, so read until each expected
	// tag shows up, sharing one deadline across the whole exchange.
	deadline := time.Now().Add(d.timeout)
	tags, _ := protocol.ResponseSequence(cmd)

	var resp protocol.Response
	for _, tag := range tags {
		resp, err = d.readUntil(tag, deadline)
		if err != nil {
			return nil, err
		}
	}

	if spec.next != modeUnchanged {
		d.mode = spec.next
		log.Debug().
			Str("serial", d.Serial()).
			Stringer("command", cmd).
			Stringer("mode", d.mode).
			Msg("Device mode changed")
	}

	return resp, nil
}

// readUntil reads reports until one carries the wanted tag, then decodes it.
// Reports with other tags are skipped.
func (d *Device) readUntil(tag protocol.ResponseTag, deadline time.Time) (protocol.Response, error) {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, hid.ErrReadTimeout
		}

		raw, err := d.dev.Read(remaining)
		if err != nil {
			return nil, err
		}

		got, ok := protocol.PeekTag(raw)
		if !ok || got != tag {
			log.Debug().
				Str("serial", d.Serial()).
				Stringer("tag", got).
				Stringer("want", tag).
				Msg("Skipping report")
			continue
		}

		return protocol.Decode(raw)
	}
}

// EnterInteractiveMode puts the device into interactive mode and returns the
// acknowledgement carrying the device type and firmware version.
func (d *Device) EnterInteractiveMode() (*protocol.Acknowledgement, error) {
	resp, err := d.Action(protocol.CmdEnterInteractiveMode)
	if err != nil {
		return nil, err
	}
	ack, ok := resp.(*protocol.Acknowledgement)
	if !ok {
		return nil, fmt.Errorf("unexpected response %T to %s", resp, protocol.CmdEnterInteractiveMode)
	}
	return ack, nil
}

// LeaveInteractiveMode returns the device to autonomous sampling.
func (d *Device) LeaveInteractiveMode() (*protocol.Acknowledgement, error) {
	resp, err := d.Action(protocol.CmdLeaveInteractiveMode)
	if err != nil {
		return nil, err
	}
	ack, ok := resp.(*protocol.Acknowledgement)
	if !ok {
		return nil, fmt.Errorf("unexpected response %T to %s", resp, protocol.CmdLeaveInteractiveMode)
	}
	return ack, nil
}

// Reading takes an on-demand water quality reading. The device must be in
// interactive mode.
func (d *Device) Reading() (*protocol.SensorReading, error) {
	resp, err := d.Action(protocol.CmdSensorReading)
	if err != nil {
		return nil, err
	}
	reading, ok := resp.(*protocol.SensorReading)
	if !ok {
		return nil, fmt.Errorf("unexpected response %T to %s", resp, protocol.CmdSensorReading)
	}
	return reading, nil
}

// LightReading takes an on-demand light meter reading. The device must be in
// interactive mode.
func (d *Device) LightReading() (*protocol.LightReading, error) {
	resp, err := d.Action(protocol.CmdLightReading)
	if err != nil {
		return nil, err
	}
	reading, ok := resp.(*protocol.LightReading)
	if !ok {
		return nil, fmt.Errorf("unexpected response %T to %s", resp, protocol.CmdLightReading)
	}
	return reading, nil
}

// Status requests the device and slide status flags. The device must be in
// interactive mode.
func (d *Device) Status() (*protocol.DeviceStatus, error) {
	resp, err := d.Action(protocol.CmdStatusRequest)
	if err != nil {
		return nil, err
	}
	status, ok := resp.(*protocol.DeviceStatus)
	if !ok {
		return nil, fmt.Errorf("unexpected response %T to %s", resp, protocol.CmdStatusRequest)
	}
	return status, nil
}

// Close releases the transport handle and moves the device to Disconnected.
// It is idempotent: closing an already closed device is a no-op. Any command
// after Close fails with an InvalidStateError.
func (d *Device) Close() error {
	if d.mode == Disconnected {
		return nil // Already closed
	}

	d.mode = Disconnected
	return d.dev.Close()
}
