package engine

import "errors"

// Domain errors for the device engine.
var (
	// ErrNoTransport is returned when no transport is usable for the
	// route a request must take.
	ErrNoTransport = errors.New("engine: no usable transport")

	// ErrIdentityMismatch is returned when a response carries a device
	// identity different from the configured one, typically because
	// the host address now points at another appliance.
	ErrIdentityMismatch = errors.New("engine: device identity mismatch")

	// ErrShutdown is returned when the device has been stopped.
	ErrShutdown = errors.New("engine: device stopped")

	// ErrNotAcknowledged is returned when the device answered with a
	// method different from the expected acknowledgement.
	ErrNotAcknowledged = errors.New("engine: request not acknowledged")

	// ErrChannelRegistered is returned when a parser is registered for
	// a channel that already has one. Unregister it first.
	ErrChannelRegistered = errors.New("engine: channel already registered")
)
