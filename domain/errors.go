package domain

import "errors"

var (
	// ErrInvalidInput is returned when an add intent carries a blank title.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound is returned when an intent references a task id that does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrUnknownEvent is returned by the codec for event names outside the protocol.
	ErrUnknownEvent = errors.New("unknown event")
)
