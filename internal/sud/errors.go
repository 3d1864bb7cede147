package sud

import (
	"errors"
	"fmt"

	"github.com/aquamon/seneye-sensor-daemon/internal/protocol"
)

// ErrInvalidState matches any InvalidStateError via errors.Is.
var ErrInvalidState = errors.New("command not valid in current mode")

// InvalidStateError is returned when a command is issued in a mode outside
// its legal-mode set, including any command after Close. No I/O has happened
// when it is returned.
type InvalidStateError struct {
	Command protocol.Command
	Mode    Mode
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s not valid in %s mode", e.Command, e.Mode)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }
