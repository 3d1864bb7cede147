package protocol

import (
	"errors"
	"fmt"
)

// Encoding errors. All are reported before any I/O happens.
var (
	// ErrUnknownCommand is returned when a command has no definition.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrArgumentRequired is returned when a command needs an argument and
	// none was supplied.
	ErrArgumentRequired = errors.New("command requires an argument")

	// ErrArgumentNotAccepted is returned when an argument was supplied to a
	// command that takes none.
	ErrArgumentNotAccepted = errors.New("command does not accept an argument")

	// ErrArgumentTooLong is returned when an argument does not fit in the
	// outgoing report.
	ErrArgumentTooLong = errors.New("command argument too long")
)

// DecodeError is returned when an incoming report cannot be parsed. It keeps
// the offending bytes for diagnosis.
type DecodeError struct {
	Raw    []byte
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode report (%s): % x", e.Reason, e.Raw)
}
