// Package protocol implements the binary report protocol spoken by Seneye
// USB sensor devices (SUD). It is a pure codec: fixed 64-byte reports in,
// typed responses out, with no device I/O and no state. All raw-to-physical
// unit scaling lives in this package.
package protocol

import "fmt"

// Command identifies an operation requested from the device. The numeric
// value is the opcode written at byte 0 of the outgoing report and is part of
// the firmware contract.
type Command byte

const (
	// CmdSensorReading requests an on-demand water quality reading.
	CmdSensorReading Command = 0x00

	// CmdEnterInteractiveMode switches the device from autonomous sampling
	// to interactive mode, in which it answers on-demand requests.
	CmdEnterInteractiveMode Command = 0x01

	// CmdLeaveInteractiveMode returns the device to autonomous sampling.
	CmdLeaveInteractiveMode Command = 0x02

	// CmdLightReading requests a light meter reading.
	CmdLightReading Command = 0x03

	// CmdStatusRequest requests the device/slide status flags.
	CmdStatusRequest Command = 0x04
)

func (c Command) String() string {
	if def, ok := commandDefs[c]; ok {
		return def.name
	}
	return fmt.Sprintf("Command(%#02x)", byte(c))
}

// argPolicy describes whether a command carries an argument in the bytes
// following the opcode.
type argPolicy int

const (
	argNone argPolicy = iota
	argOptional
	argRequired
)

// commandDef describes the wire behaviour of one command: its name, its
// argument policy, and the tags of the reports the device sends back, in
// order. A sensor reading is acknowledged before the reading itself arrives.
type commandDef struct {
	name      string
	arg       argPolicy
	responses []ResponseTag
}

var commandDefs = map[Command]commandDef{
	CmdSensorReading: {
		name:      "SENSOR_READING",
		arg:       argNone,
		responses: []ResponseTag{TagCommandAck, TagSensorReading},
	},
	CmdEnterInteractiveMode: {
		name:      "ENTER_INTERACTIVE_MODE",
		arg:       argNone,
		responses: []ResponseTag{TagEnterAck},
	},
	CmdLeaveInteractiveMode: {
		name:      "LEAVE_INTERACTIVE_MODE",
		arg:       argNone,
		responses: []ResponseTag{TagLeaveAck},
	},
	CmdLightReading: {
		name:      "LIGHT_READING",
		arg:       argNone,
		responses: []ResponseTag{TagLightReading},
	},
	CmdStatusRequest: {
		name:      "STATUS_REQUEST",
		arg:       argNone,
		responses: []ResponseTag{TagDeviceStatus},
	},
}

// ResponseSequence returns the tags of the reports the device sends in answer
// to cmd, in the order they arrive. The second return value is false for
// unknown commands.
func ResponseSequence(cmd Command) ([]ResponseTag, bool) {
	def, ok := commandDefs[cmd]
	if !ok {
		return nil, false
	}
	seq := make([]ResponseTag, len(def.responses))
	copy(seq, def.responses)
	return seq, true
}
