package analyzer

import (
	"errors"
	"fmt"
)

var (
	// ErrParseTimeout marks a parse that ran out of wall-clock time or steps.
	ErrParseTimeout = errors.New("parse budget exhausted")
	// ErrTooLarge marks input above the configured maximum file size.
	ErrTooLarge = errors.New("input exceeds maximum file size")
)

// MalformedBinaryError is returned by Parse for any input that is not a
// structurally valid PE image, including inputs that exhaust the parse budget.
type MalformedBinaryError struct {
	Reason string
	Offset int64 // -1 when the failure is not tied to a file offset
	Err    error
}

func (e *MalformedBinaryError) Error() string {
	msg := "malformed binary: " + e.Reason
	if e.Offset >= 0 {
		msg += fmt.Sprintf(" (offset 0x%x)", e.Offset)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedBinaryError) Unwrap() error { return e.Err }

func malformed(off uint64, format string, args ...any) error {
	return &MalformedBinaryError{Reason: fmt.Sprintf(format, args...), Offset: int64(off)}
}

func malformedNoOffset(format string, args ...any) error {
	return &MalformedBinaryError{Reason: fmt.Sprintf(format, args...), Offset: -1}
}

// IsMalformed reports whether err carries a MalformedBinaryError.
func IsMalformed(err error) bool {
	var mbe *MalformedBinaryError
	return errors.As(err, &mbe)
}

// IsTimeout reports whether err was caused by the parse budget running out.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrParseTimeout)
}
