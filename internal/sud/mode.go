// Package sud drives a single Seneye USB Device (SUD): it tracks the device
// mode, validates commands against it, and runs the write-then-read report
// exchanges through the HID transport.
package sud

import (
	"fmt"

	"github.com/aquamon/seneye-sensor-daemon/internal/protocol"
)

// Mode is the device mode as tracked on the host side. It only changes when
// a mode-change command round-trips successfully, or on Close.
type Mode int

const (
	// Disconnected means the transport handle has been released.
	Disconnected Mode = iota

	// Idle means the device is open and sampling autonomously.
	Idle

	// Interactive means the device answers on-demand requests.
	Interactive
)

func (m Mode) String() string {
	switch m {
	case Disconnected:
		return "disconnected"
	case Idle:
		return "idle"
	case Interactive:
		return "interactive"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// modeUnchanged marks commands that do not move the device between modes.
const modeUnchanged Mode = -1

// commandModes is the mode-legality table: the modes each command may be
// issued in, and the mode a successful exchange moves the device to. Kept in
// one place so legality never leaks into conditional dispatch elsewhere.
var commandModes = map[protocol.Command]struct {
	legal []Mode
	next  Mode
}{
	protocol.CmdEnterInteractiveMode: {legal: []Mode{Idle}, next: Interactive},
	protocol.CmdLeaveInteractiveMode: {legal: []Mode{Interactive}, next: Idle},
	protocol.CmdSensorReading:        {legal: []Mode{Interactive}, next: modeUnchanged},
	protocol.CmdLightReading:         {legal: []Mode{Interactive}, next: modeUnchanged},
	protocol.CmdStatusRequest:        {legal: []Mode{Interactive}, next: modeUnchanged},
}
