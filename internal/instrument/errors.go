package instrument

import "errors"

// Errors returned by the protocol client. Bus failures are passed through
// wrapped, so bus.ErrIOFailed and bus.ErrTimeout also match with errors.Is.
var (
	// ErrNotConnected is returned for bus operations without an open session.
	ErrNotConnected = errors.New("instrument: not connected")

	// ErrFormat is returned when a measurement response is not a decimal number.
	ErrFormat = errors.New("instrument: invalid measurement response")

	// ErrInvalidChannel is returned for channel ids the instrument does not expose.
	ErrInvalidChannel = errors.New("instrument: invalid channel")
)
