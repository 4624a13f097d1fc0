package bus

import "errors"

// Errors returned by bus sessions. Use errors.Is to check for them.
var (
	// ErrConnectFailed is returned when the physical connection cannot be opened.
	ErrConnectFailed = errors.New("bus: connect failed")

	// ErrIOFailed is returned when a line cannot be written or read.
	ErrIOFailed = errors.New("bus: i/o failed")

	// ErrTimeout is returned when no complete response line arrives in time.
	ErrTimeout = errors.New("bus: response timeout")

	// ErrClosed is returned for operations on a closed session.
	ErrClosed = errors.New("bus: session closed")
)
