package transport

import "errors"

// Domain-specific errors for transport operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrTerminated is returned once Terminate has been called on an HTTP
	// client. The client cannot be reused and must be rebuilt.
	ErrTerminated = errors.New("transport: client terminated")

	// ErrNoHost is returned when an HTTP request is attempted before a
	// host has been configured for the device.
	ErrNoHost = errors.New("transport: no host configured")

	// ErrHTTPStatus is returned when the appliance answers with a
	// non-200 status code.
	ErrHTTPStatus = errors.New("transport: unexpected http status")

	// ErrRateLimited is returned when a cloud publish would exceed the
	// per-device rate limit and was dropped instead of sent.
	ErrRateLimited = errors.New("transport: publish rate limit exceeded")

	// ErrResponseTimeout is returned when no correlated reply arrived on
	// the response topic before the configured timeout.
	ErrResponseTimeout = errors.New("transport: no reply before timeout")

	// ErrClosed is returned when the broker routing has been stopped.
	ErrClosed = errors.New("transport: broker routing closed")
)
