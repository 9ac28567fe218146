package responder

import "errors"

var (
	// ErrTransport indicates the chain connection failed. It is fatal for the
	// process; an external supervisor is expected to restart it.
	ErrTransport = errors.New("chain transport failure")

	// ErrSubmission indicates a pong could not be submitted or was not accepted
	ErrSubmission = errors.New("pong submission failed")

	// ErrStopped is returned when an event is offered to a stopped dispatcher
	ErrStopped = errors.New("dispatcher stopped")
)
