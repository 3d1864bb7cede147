package protocol

import (
	"fmt"
	"time"
)

// ResponseTag is the two-byte validation header at the start of every
// incoming report. It selects which response variant the report carries.
type ResponseTag [2]byte

var (
	// TagSensorReading marks a water quality reading report.
	TagSensorReading = ResponseTag{0x00, 0x01}

	// TagLightReading marks a light meter reading report.
	TagLightReading = ResponseTag{0x00, 0x02}

	// TagEnterAck marks the acknowledgement of CmdEnterInteractiveMode,
	// which also carries the device type and firmware version.
	TagEnterAck = ResponseTag{0x88, 0x01}

	// TagCommandAck marks the generic acknowledgement sent before a sensor
	// reading report.
	TagCommandAck = ResponseTag{0x88, 0x02}

	// TagLeaveAck marks the acknowledgement of CmdLeaveInteractiveMode.
	// Differs from the documented value; matches observed device behaviour.
	TagLeaveAck = ResponseTag{0x77, 0x01}

	// TagDeviceStatus marks a device status report.
	TagDeviceStatus = ResponseTag{0x88, 0x03}
)

func (t ResponseTag) String() string {
	return fmt.Sprintf("%#02x%02x", t[0], t[1])
}

// Response is one decoded incoming report. Exactly one concrete type is
// produced per report; callers switch on *SensorReading, *LightReading,
// *DeviceStatus or *Acknowledgement.
type Response interface {
	response()
}

// LightLevels holds the light meter fields shared by sensor reading and
// light reading reports. Kelvin coordinates are on the CIE colourspace and
// only meaningful when the reading is near the kelvin line.
type LightLevels struct {
	Kelvin  int32
	KelvinX int32
	KelvinY int32
	PAR     uint32
	Lux     uint32
	PUR     uint8
}

// SensorReading is a decoded water quality reading. Values are in physical
// units: pH, NH3 in mg/L, temperature in degrees Celsius. Light is nil when
// the report carried no light sample.
type SensorReading struct {
	Timestamp   time.Time
	PH          float64
	NH3         float64
	Temperature float64
	Flags       StatusFlags
	Light       *LightLevels
}

func (*SensorReading) response() {}

// LightReading is a decoded light meter reading.
type LightReading struct {
	// IsKelvin reports whether the reading is near the kelvin line, making
	// the colour temperature and CIE coordinates meaningful.
	IsKelvin bool
	LightLevels
}

func (*LightReading) response() {}

// DeviceStatus is a decoded device status report.
type DeviceStatus struct {
	OK    bool
	Flags StatusFlags
}

func (*DeviceStatus) response() {}

// Acknowledgement is a decoded command acknowledgement. DeviceType and
// FirmwareVersion are only populated on the enter-interactive-mode
// acknowledgement.
type Acknowledgement struct {
	OK              bool
	DeviceType      DeviceType
	FirmwareVersion string
}

func (*Acknowledgement) response() {}

// DeviceType identifies the Seneye product variant reported by the device.
type DeviceType byte

const (
	DeviceHome DeviceType = 0
	DevicePond DeviceType = 1
	DeviceReef DeviceType = 3
)

func (t DeviceType) String() string {
	switch t {
	case DeviceHome:
		return "Home"
	case DevicePond:
		return "Pond"
	case DeviceReef:
		return "Reef"
	}
	return fmt.Sprintf("DeviceType(%d)", byte(t))
}

// StatusFlags is the raw 16-bit device/slide status field. Bit positions
// follow the firmware's flag layout, most significant bit first.
type StatusFlags uint16

// InWater reports whether the sensor is submerged.
func (f StatusFlags) InWater() bool { return f&(1<<13) != 0 }

// SlideFitted reports whether a measurement slide is present. The firmware
// flag is inverted: the bit is set when no slide is fitted.
func (f StatusFlags) SlideFitted() bool { return f&(1<<12) == 0 }

// SlideExpired reports whether the fitted slide is past its service life.
func (f StatusFlags) SlideExpired() bool { return f&(1<<11) != 0 }

// TemperatureState returns the 2-bit temperature sensor state.
func (f StatusFlags) TemperatureState() uint8 { return uint8(f>>9) & 0x3 }

// PHState returns the 2-bit pH sensor state.
func (f StatusFlags) PHState() uint8 { return uint8(f>>7) & 0x3 }

// NH3State returns the 2-bit NH3 sensor state.
func (f StatusFlags) NH3State() uint8 { return uint8(f>>5) & 0x3 }

// HasError reports whether the device signalled an error condition.
func (f StatusFlags) HasError() bool { return f&(1<<4) != 0 }

// IsKelvin reports whether the embedded light sample is near the kelvin line.
func (f StatusFlags) IsKelvin() bool { return f&(1<<3) != 0 }

// FirmwareVersion renders the packed firmware version integer as
// "major.minor.revision".
func FirmwareVersion(v uint16) string {
	return fmt.Sprintf("%d.%d.%d", v/10000, (v/100)%100, v%100)
}
