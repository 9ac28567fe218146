package eventbus

import "errors"

// Common errors for outcome publishing
var (
	// ErrInvalidConfiguration indicates invalid publisher configuration
	ErrInvalidConfiguration = errors.New("invalid event bus configuration")

	// ErrClosed indicates the publisher has been closed
	ErrClosed = errors.New("publisher closed")

	// ErrSerializationFailed indicates outcome serialization failure
	ErrSerializationFailed = errors.New("failed to serialize outcome")
)
