package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// ReportSize is the fixed length of every report, in both directions.
	ReportSize = 64

	// offOpcode and offArg are the outgoing report offsets: opcode first,
	// optional argument bytes after, zero padding to ReportSize.
	offOpcode = 0
	offArg    = 1
)

// Incoming report field offsets. Little-endian throughout, derived from the
// firmware's sud_data structures.
const (
	offAck = 2

	// Sensor reading report.
	offReadingTimestamp = 2
	offReadingFlags     = 6
	offReadingPH        = 10
	offReadingNH3       = 12
	offReadingTemp      = 14
	offReadingKelvin    = 42
	offReadingKelvinX   = 46
	offReadingKelvinY   = 50
	offReadingPAR       = 54
	offReadingLux       = 58
	offReadingPUR       = 62

	// Light meter reading report.
	offLightIsKelvin = 2
	offLightKelvin   = 14
	offLightKelvinX  = 18
	offLightKelvinY  = 22
	offLightPAR      = 26
	offLightLux      = 30
	offLightPUR      = 34

	// Enter-interactive acknowledgement report.
	offHelloDeviceType = 3
	offHelloVersion    = 4

	// Device status report.
	offStatusFlags = 3
)

// Scale factors converting raw fixed-point integers to physical units.
// These constants exist only here.
const (
	phScale   = 100  // pH stored in hundredths
	nh3Scale  = 1000 // NH3 stored in thousandths of mg/L
	tempScale = 1000 // temperature stored in thousandths of a degree C
)

// Encode builds the outgoing report for cmd: opcode at byte 0, argument
// bytes following, zero padding to ReportSize. The argument must satisfy the
// command's argument policy.
func Encode(cmd Command, arg []byte) ([]byte, error) {
	def, ok := commandDefs[cmd]
	if !ok {
		return nil, fmt.Errorf("%w: %#02x", ErrUnknownCommand, byte(cmd))
	}

	switch def.arg {
	case argNone:
		if len(arg) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrArgumentNotAccepted, def.name)
		}
	case argRequired:
		if len(arg) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrArgumentRequired, def.name)
		}
	}
	if len(arg) > ReportSize-offArg {
		return nil, fmt.Errorf("%w: %s: %d bytes", ErrArgumentTooLong, def.name, len(arg))
	}

	report := make([]byte, ReportSize)
	report[offOpcode] = byte(cmd)
	copy(report[offArg:], arg)
	return report, nil
}

// PeekTag extracts the response tag of a raw report without decoding it.
// Returns false if the buffer is too short to carry a tag.
func PeekTag(raw []byte) (ResponseTag, bool) {
	if len(raw) < 2 {
		return ResponseTag{}, false
	}
	return ResponseTag{raw[0], raw[1]}, true
}

// Decode parses one incoming report into its response variant. The buffer
// must be exactly ReportSize bytes and start with a known response tag;
// anything else is a *DecodeError carrying the offending bytes. Decode is a
// pure function: the same input always yields the same response.
func Decode(raw []byte) (Response, error) {
	if len(raw) != ReportSize {
		return nil, &DecodeError{
			Raw:    raw,
			Reason: fmt.Sprintf("report is %d bytes, want %d", len(raw), ReportSize),
		}
	}

	tag := ResponseTag{raw[0], raw[1]}
	switch tag {
	case TagSensorReading:
		return decodeSensorReading(raw), nil
	case TagLightReading:
		return decodeLightReading(raw), nil
	case TagEnterAck:
		return &Acknowledgement{
			OK:              raw[offAck] != 0,
			DeviceType:      DeviceType(raw[offHelloDeviceType]),
			FirmwareVersion: FirmwareVersion(binary.LittleEndian.Uint16(raw[offHelloVersion:])),
		}, nil
	case TagCommandAck, TagLeaveAck:
		return &Acknowledgement{OK: raw[offAck] != 0}, nil
	case TagDeviceStatus:
		return &DeviceStatus{
			OK:    raw[offAck] != 0,
			Flags: StatusFlags(binary.BigEndian.Uint16(raw[offStatusFlags:])),
		}, nil
	}

	return nil, &DecodeError{Raw: raw, Reason: fmt.Sprintf("unknown response tag %s", tag)}
}

func decodeSensorReading(raw []byte) *SensorReading {
	r := &SensorReading{
		Timestamp:   time.Unix(int64(binary.LittleEndian.Uint32(raw[offReadingTimestamp:])), 0).UTC(),
		Flags:       StatusFlags(binary.BigEndian.Uint16(raw[offReadingFlags:])),
		PH:          float64(binary.LittleEndian.Uint16(raw[offReadingPH:])) / phScale,
		NH3:         float64(binary.LittleEndian.Uint16(raw[offReadingNH3:])) / nh3Scale,
		Temperature: float64(int32(binary.LittleEndian.Uint32(raw[offReadingTemp:]))) / tempScale,
	}

	light := LightLevels{
		Kelvin:  int32(binary.LittleEndian.Uint32(raw[offReadingKelvin:])),
		KelvinX: int32(binary.LittleEndian.Uint32(raw[offReadingKelvinX:])),
		KelvinY: int32(binary.LittleEndian.Uint32(raw[offReadingKelvinY:])),
		PAR:     binary.LittleEndian.Uint32(raw[offReadingPAR:]),
		Lux:     binary.LittleEndian.Uint32(raw[offReadingLux:]),
		PUR:     raw[offReadingPUR],
	}
	if light != (LightLevels{}) {
		r.Light = &light
	}

	return r
}

func decodeLightReading(raw []byte) *LightReading {
	return &LightReading{
		IsKelvin: raw[offLightIsKelvin] != 0,
		LightLevels: LightLevels{
			Kelvin:  int32(binary.LittleEndian.Uint32(raw[offLightKelvin:])),
			KelvinX: int32(binary.LittleEndian.Uint32(raw[offLightKelvinX:])),
			KelvinY: int32(binary.LittleEndian.Uint32(raw[offLightKelvinY:])),
			PAR:     binary.LittleEndian.Uint32(raw[offLightPAR:]),
			Lux:     binary.LittleEndian.Uint32(raw[offLightLux:]),
			PUR:     raw[offLightPUR],
		},
	}
}
