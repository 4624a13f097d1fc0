package control

import "errors"

var (
	// ErrUnknownChannel is returned for ids that are not part of the configuration.
	ErrUnknownChannel = errors.New("control: unknown channel")

	// ErrInvalidTransition is returned when an action is not allowed in the channel's current status.
	ErrInvalidTransition = errors.New("control: action not allowed in current status")
)
