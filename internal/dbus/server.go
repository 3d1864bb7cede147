// SPDX-License-Identifier: GPL-3.0-only

// Package dbus provides the D-Bus service exposing Seneye sensor readings.
package dbus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/aquamon/seneye-sensor-daemon/internal/hid"
	"github.com/aquamon/seneye-sensor-daemon/internal/sud"
)

// ErrEmptySerial is returned when an empty serial number is provided.
var ErrEmptySerial = errors.New("serial cannot be empty")

// ErrRateLimitExceeded is returned when reading requests exceed the rate limit.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

const (
	// rateLimitPerSecond is the maximum number of device exchanges per
	// second across all sensors. A reading exchange takes the device a
	// noticeable fraction of a second, so this is deliberately low.
	rateLimitPerSecond = 2

	// rateLimitBurst is the maximum burst size for device exchanges.
	rateLimitBurst = 2
)

const (
	// ServiceName is the D-Bus service name.
	ServiceName = "io.github.aquamon.SeneyeSensor"

	// ObjectPath is the D-Bus object path.
	ObjectPath = "/io/github/aquamon/SeneyeSensor"

	// InterfaceName is the D-Bus interface name.
	InterfaceName = "io.github.aquamon.SeneyeSensor"
)

// IntrospectXML is the D-Bus introspection XML for the service.
const IntrospectXML = `
<node name="` + ObjectPath + `">
  <interface name="` + InterfaceName + `">
    <method name="ListSensors">
      <arg name="sensors" type="a(ss)" direction="out"/>
    </method>
    <method name="GetReading">
      <arg name="serial" type="s" direction="in"/>
      <arg name="reading" type="(ddddbx)" direction="out"/>
    </method>
    <method name="GetLightReading">
      <arg name="serial" type="s" direction="in"/>
      <arg name="light" type="(iuuyb)" direction="out"/>
    </method>
    <method name="GetStatus">
      <arg name="serial" type="s" direction="in"/>
      <arg name="status" type="(bbbb)" direction="out"/>
    </method>
    <method name="EnterInteractiveMode">
      <arg name="serial" type="s" direction="in"/>
      <arg name="deviceType" type="s" direction="out"/>
      <arg name="firmware" type="s" direction="out"/>
    </method>
    <method name="LeaveInteractiveMode">
      <arg name="serial" type="s" direction="in"/>
    </method>
    <signal name="SensorAdded">
      <arg name="serial" type="s"/>
      <arg name="productName" type="s"/>
    </signal>
    <signal name="SensorRemoved">
      <arg name="serial" type="s"/>
    </signal>
    <signal name="ReadingTaken">
      <arg name="serial" type="s"/>
      <arg name="ph" type="d"/>
      <arg name="nh3" type="d"/>
      <arg name="temperature" type="d"/>
    </signal>
  </interface>
  ` + introspect.IntrospectDataString + `
</node>
`

// SensorManager is an interface for managing sensors.
// This allows for mocking in tests.
type SensorManager interface {
	// ListSensors returns information about all connected sensors.
	ListSensors() []hid.DeviceInfo

	// Do runs fn with the sensor identified by serial, serializing access
	// to the device.
	Do(serial string, fn func(*sud.Device) error) error

	// Refresh re-enumerates connected sensors.
	Refresh() error
}

// DeviceErrorHandler is called when a device error (e.g., sensor unplugged
// mid-exchange) is detected, so the caller can trigger re-enumeration.
type DeviceErrorHandler func(serial string, err error)

// SensorInfo represents sensor information returned via D-Bus.
// Serializes to D-Bus type (ss).
type SensorInfo struct {
	Serial      string
	ProductName string
}

// Reading is a water quality reading as returned via D-Bus, type (ddddbx).
// Lux is only meaningful when HasLight is true.
type Reading struct {
	PH          float64
	NH3         float64
	Temperature float64
	Lux         float64
	HasLight    bool
	Timestamp   int64
}

// Light is a light meter reading as returned via D-Bus, type (iuuyb).
type Light struct {
	Kelvin   int32
	PAR      uint32
	Lux      uint32
	PUR      byte
	IsKelvin bool
}

// Status is the device/slide status as returned via D-Bus, type (bbbb).
type Status struct {
	InWater      bool
	SlideFitted  bool
	SlideExpired bool
	Error        bool
}

// Server implements the D-Bus service for sensor access.
//
// Thread safety: the Manager serializes device exchanges per sensor; the
// connMu mutex protects the D-Bus connection field for signal emission and
// handlerMu protects the deviceErrorHandler field.
type Server struct {
	conn               *dbus.Conn
	connMu             sync.RWMutex // Protects conn field only
	manager            SensorManager
	rateLimiter        *rate.Limiter
	handlerMu          sync.RWMutex // Protects deviceErrorHandler
	deviceErrorHandler DeviceErrorHandler
}

// NewServer creates a new D-Bus server with the given sensor manager.
func NewServer(manager SensorManager) *Server {
	return &Server{
		manager:     manager,
		rateLimiter: rate.NewLimiter(rateLimitPerSecond, rateLimitBurst),
	}
}

// Start connects to the system bus and exports the service.
func (s *Server) Start() error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("failed to connect to system bus: %w", err)
	}

	// Ensure connection is closed if setup fails
	success := false
	defer func() {
		if !success {
			if closeErr := conn.Close(); closeErr != nil {
				log.Error().Err(closeErr).Msg("Failed to close D-Bus connection during cleanup")
			}
		}
	}()

	// Export the server object
	err = conn.Export(s, ObjectPath, InterfaceName)
	if err != nil {
		return fmt.Errorf("failed to export server: %w", err)
	}

	// Export introspectable interface
	err = conn.Export(introspect.Introspectable(IntrospectXML), ObjectPath, "org.freedesktop.DBus.Introspectable")
	if err != nil {
		return fmt.Errorf("failed to export introspectable: %w", err)
	}

	// Request the service name
	reply, err := conn.RequestName(ServiceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("failed to request name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("name %s already taken", ServiceName)
	}

	// Store connection with mutex protection
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	success = true
	log.Info().Str("service", ServiceName).Msg("D-Bus service started")
	return nil
}

// Stop disconnects from the bus.
func (s *Server) Stop() error {
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// SetDeviceErrorHandler sets the callback invoked when device errors are
// detected. Typically used to trigger re-enumeration when a sensor vanishes
// mid-exchange.
//
// This method is thread-safe and can be called at any time.
func (s *Server) SetDeviceErrorHandler(handler DeviceErrorHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.deviceErrorHandler = handler
}

// handleDeviceError checks if the error indicates a gone device and triggers
// recovery. Returns true if recovery was triggered.
func (s *Server) handleDeviceError(serial string, err error) bool {
	if err == nil || !hid.IsDeviceGone(err) {
		return false
	}

	log.Warn().
		Err(err).
		Str("serial", serial).
		Msg("Device error detected, triggering recovery")

	s.handlerMu.RLock()
	handler := s.deviceErrorHandler
	s.handlerMu.RUnlock()

	if handler != nil {
		// Run recovery asynchronously to not block the D-Bus response
		go handler(serial, err)
	}

	return true
}

// ListSensors returns a list of all connected sensors.
// Returns an array of structs: [{Serial, ProductName}, ...]
func (s *Server) ListSensors() ([]SensorInfo, *dbus.Error) {
	sensors := s.manager.ListSensors()
	result := make([]SensorInfo, len(sensors))
	for i, info := range sensors {
		result[i] = SensorInfo{Serial: info.Serial, ProductName: info.Product}
	}

	log.Debug().Int("count", len(result)).Msg("Listed sensors")
	return result, nil
}

// GetReading takes an on-demand water quality reading from a sensor.
// The sensor must be in interactive mode.
func (s *Server) GetReading(serial string) (Reading, *dbus.Error) {
	if !s.rateLimiter.Allow() {
		log.Warn().Msg("Rate limit exceeded for GetReading")
		return Reading{}, dbus.MakeFailedError(ErrRateLimitExceeded)
	}

	if serial == "" {
		return Reading{}, dbus.MakeFailedError(ErrEmptySerial)
	}

	var result Reading
	err := s.manager.Do(serial, func(dev *sud.Device) error {
		reading, err := dev.Reading()
		if err != nil {
			return err
		}
		result = Reading{
			PH:          reading.PH,
			NH3:         reading.NH3,
			Temperature: reading.Temperature,
			Timestamp:   reading.Timestamp.Unix(),
		}
		if reading.Light != nil {
			result.Lux = float64(reading.Light.Lux)
			result.HasLight = true
		}
		return nil
	})
	if err != nil {
		s.handleDeviceError(serial, err)
		log.Error().Err(err).Str("serial", serial).Msg("Failed to take reading")
		return Reading{}, dbus.MakeFailedError(err)
	}

	log.Debug().
		Str("serial", serial).
		Float64("ph", result.PH).
		Float64("nh3", result.NH3).
		Float64("temperature", result.Temperature).
		Msg("Took reading")

	s.emitReadingTaken(serial, result)

	return result, nil
}

// GetLightReading takes an on-demand light meter reading from a sensor.
// The sensor must be in interactive mode.
func (s *Server) GetLightReading(serial string) (Light, *dbus.Error) {
	if !s.rateLimiter.Allow() {
		log.Warn().Msg("Rate limit exceeded for GetLightReading")
		return Light{}, dbus.MakeFailedError(ErrRateLimitExceeded)
	}

	if serial == "" {
		return Light{}, dbus.MakeFailedError(ErrEmptySerial)
	}

	var result Light
	err := s.manager.Do(serial, func(dev *sud.Device) error {
		reading, err := dev.LightReading()
		if err != nil {
			return err
		}
		result = Light{
			Kelvin:   reading.Kelvin,
			PAR:      reading.PAR,
			Lux:      reading.Lux,
			PUR:      reading.PUR,
			IsKelvin: reading.IsKelvin,
		}
		return nil
	})
	if err != nil {
		s.handleDeviceError(serial, err)
		log.Error().Err(err).Str("serial", serial).Msg("Failed to take light reading")
		return Light{}, dbus.MakeFailedError(err)
	}

	log.Debug().Str("serial", serial).Uint32("lux", result.Lux).Msg("Took light reading")
	return result, nil
}

// GetStatus requests the device/slide status from a sensor.
// The sensor must be in interactive mode.
func (s *Server) GetStatus(serial string) (Status, *dbus.Error) {
	if !s.rateLimiter.Allow() {
		log.Warn().Msg("Rate limit exceeded for GetStatus")
		return Status{}, dbus.MakeFailedError(ErrRateLimitExceeded)
	}

	if serial == "" {
		return Status{}, dbus.MakeFailedError(ErrEmptySerial)
	}

	var result Status
	err := s.manager.Do(serial, func(dev *sud.Device) error {
		status, err := dev.Status()
		if err != nil {
			return err
		}
		result = Status{
			InWater:      status.Flags.InWater(),
			SlideFitted:  status.Flags.SlideFitted(),
			SlideExpired: status.Flags.SlideExpired(),
			Error:        status.Flags.HasError(),
		}
		return nil
	})
	if err != nil {
		s.handleDeviceError(serial, err)
		log.Error().Err(err).Str("serial", serial).Msg("Failed to get status")
		return Status{}, dbus.MakeFailedError(err)
	}

	log.Debug().Str("serial", serial).Msg("Got status")
	return result, nil
}

// EnterInteractiveMode puts a sensor into interactive mode and returns the
// device type and firmware version it reported.
func (s *Server) EnterInteractiveMode(serial string) (string, string, *dbus.Error) {
	if serial == "" {
		return "", "", dbus.MakeFailedError(ErrEmptySerial)
	}

	var deviceType, firmware string
	err := s.manager.Do(serial, func(dev *sud.Device) error {
		ack, err := dev.EnterInteractiveMode()
		if err != nil {
			return err
		}
		deviceType = ack.DeviceType.String()
		firmware = ack.FirmwareVersion
		return nil
	})
	if err != nil {
		s.handleDeviceError(serial, err)
		log.Error().Err(err).Str("serial", serial).Msg("Failed to enter interactive mode")
		return "", "", dbus.MakeFailedError(err)
	}

	log.Info().
		Str("serial", serial).
		Str("type", deviceType).
		Str("firmware", firmware).
		Msg("Sensor entered interactive mode")
	return deviceType, firmware, nil
}

// LeaveInteractiveMode returns a sensor to autonomous sampling.
func (s *Server) LeaveInteractiveMode(serial string) *dbus.Error {
	if serial == "" {
		return dbus.MakeFailedError(ErrEmptySerial)
	}

	err := s.manager.Do(serial, func(dev *sud.Device) error {
		_, err := dev.LeaveInteractiveMode()
		return err
	})
	if err != nil {
		s.handleDeviceError(serial, err)
		log.Error().Err(err).Str("serial", serial).Msg("Failed to leave interactive mode")
		return dbus.MakeFailedError(err)
	}

	log.Info().Str("serial", serial).Msg("Sensor left interactive mode")
	return nil
}

// emitReadingTaken emits the ReadingTaken signal.
func (s *Server) emitReadingTaken(serial string, reading Reading) {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()

	if conn == nil {
		return
	}

	err := conn.Emit(ObjectPath, InterfaceName+".ReadingTaken", serial, reading.PH, reading.NH3, reading.Temperature)
	if err != nil {
		log.Error().Err(err).Msg("Failed to emit ReadingTaken signal")
	}
}

// EmitSensorAdded emits the SensorAdded signal.
func (s *Server) EmitSensorAdded(serial, productName string) {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()

	if conn == nil {
		return
	}

	err := conn.Emit(ObjectPath, InterfaceName+".SensorAdded", serial, productName)
	if err != nil {
		log.Error().Err(err).Msg("Failed to emit SensorAdded signal")
	}
	log.Info().Str("serial", serial).Str("product", productName).Msg("Sensor added")
}

// EmitSensorRemoved emits the SensorRemoved signal.
func (s *Server) EmitSensorRemoved(serial string) {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()

	if conn == nil {
		return
	}

	err := conn.Emit(ObjectPath, InterfaceName+".SensorRemoved", serial)
	if err != nil {
		log.Error().Err(err).Msg("Failed to emit SensorRemoved signal")
	}
	log.Info().Str("serial", serial).Msg("Sensor removed")
}
