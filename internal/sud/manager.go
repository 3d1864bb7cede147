// SPDX-License-Identifier: GPL-3.0-only

package sud

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/aquamon/seneye-sensor-daemon/internal/hid"
)

// Manager handles the lifecycle of multiple Seneye sensors. It also provides
// the serialization layer the Device facade itself does not: all daemon-side
// exchanges go through Do, which holds a per-sensor lock.
type Manager struct {
	sensors     map[string]*managedSensor // serial -> sensor
	mu          sync.RWMutex
	enumerator  func() ([]hid.DeviceInfo, error)
	opener      func(serial string) (hid.Device, error)
	interactive bool
	options     []Option
}

// managedSensor pairs a device with the mutex serializing its exchanges.
type managedSensor struct {
	mu  sync.Mutex
	dev *Device
}

// ManagerOption is a functional option for configuring a Manager.
type ManagerOption func(*Manager)

// WithEnumerator sets a custom device enumerator for testing.
func WithEnumerator(fn func() ([]hid.DeviceInfo, error)) ManagerOption {
	return func(m *Manager) {
		m.enumerator = fn
	}
}

// WithOpener sets a custom device opener for testing.
func WithOpener(fn func(serial string) (hid.Device, error)) ManagerOption {
	return func(m *Manager) {
		m.opener = fn
	}
}

// WithInteractiveMode makes the manager put every newly opened sensor into
// interactive mode, so that readings work immediately. Note the device stops
// caching samples for the Seneye cloud while interactive.
func WithInteractiveMode(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.interactive = enabled
	}
}

// WithDeviceOptions sets options applied to every opened Device.
func WithDeviceOptions(opts ...Option) ManagerOption {
	return func(m *Manager) {
		m.options = opts
	}
}

// NewManager creates a new sensor manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		sensors:    make(map[string]*managedSensor),
		enumerator: hid.EnumerateSensors,
		opener:     defaultOpener,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// defaultOpener wraps hid.OpenSensor to match the expected signature.
func defaultOpener(serial string) (hid.Device, error) {
	return hid.OpenSensor(serial)
}

// ListSensors returns information about all connected sensors.
func (m *Manager) ListSensors() []hid.DeviceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]hid.DeviceInfo, 0, len(m.sensors))
	for _, s := range m.sensors {
		infos = append(infos, s.dev.Info())
	}
	return infos
}

// Do runs fn with the sensor identified by serial, holding that sensor's
// exchange lock for the duration. This is the only supported way to issue
// commands through the manager.
func (m *Manager) Do(serial string, fn func(*Device) error) error {
	m.mu.RLock()
	sensor, ok := m.sensors[serial]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("sensor with serial %s not found", serial)
	}

	sensor.mu.Lock()
	defer sensor.mu.Unlock()
	return fn(sensor.dev)
}

// Refresh re-enumerates connected sensors and updates the internal state.
// It opens new sensors and closes disconnected ones.
func (m *Manager) Refresh() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	currentDevices, err := m.enumerator()
	if err != nil {
		return fmt.Errorf("failed to enumerate sensors: %w", err)
	}

	currentSerials := make(map[string]hid.DeviceInfo)
	for _, info := range currentDevices {
		currentSerials[info.Serial] = info
	}

	// Find and close disconnected sensors
	for serial, sensor := range m.sensors {
		if _, exists := currentSerials[serial]; !exists {
			log.Info().Str("serial", serial).Msg("Sensor disconnected")
			if err := sensor.dev.Close(); err != nil {
				log.Warn().Err(err).Str("serial", serial).Msg("Failed to close disconnected sensor")
			}
			delete(m.sensors, serial)
		}
	}

	// Open new sensors
	for serial, info := range currentSerials {
		if _, exists := m.sensors[serial]; !exists {
			hidDev, err := m.opener(serial)
			if err != nil {
				log.Error().Err(err).Str("serial", serial).Msg("Failed to open sensor")
				continue
			}
			dev := NewDevice(hidDev, m.options...)
			if m.interactive {
				if ack, err := dev.EnterInteractiveMode(); err != nil {
					log.Warn().Err(err).Str("serial", serial).Msg("Failed to enter interactive mode, sensor left idle")
				} else {
					log.Info().
						Str("serial", serial).
						Stringer("type", ack.DeviceType).
						Str("firmware", ack.FirmwareVersion).
						Msg("Sensor in interactive mode")
				}
			}
			m.sensors[serial] = &managedSensor{dev: dev}
			log.Info().Str("serial", serial).Str("product", info.Product).Msg("Sensor connected")
		}
	}

	return nil
}

// Close closes all open sensors. Sensors in interactive mode are asked to
// leave it first so they resume autonomous sampling.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for serial, sensor := range m.sensors {
		sensor.mu.Lock()
		if sensor.dev.Mode() == Interactive {
			if _, err := sensor.dev.LeaveInteractiveMode(); err != nil {
				log.Warn().Err(err).Str("serial", serial).Msg("Failed to leave interactive mode")
			}
		}
		if err := sensor.dev.Close(); err != nil {
			log.Error().Err(err).Str("serial", serial).Msg("Failed to close sensor")
		}
		sensor.mu.Unlock()
		delete(m.sensors, serial)
	}
	return nil
}

// Count returns the number of connected sensors.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sensors)
}
