package registry

import "errors"

var (
	// ErrDeviceNotFound indicates the uuid is not managed by the registry.
	ErrDeviceNotFound = errors.New("registry: device not found")

	// ErrNilConfig indicates New was called without a configuration.
	ErrNilConfig = errors.New("registry: config is required")

	// ErrNoTransports indicates a device entry has neither a host for
	// HTTP nor a broker to ride.
	ErrNoTransports = errors.New("registry: device has no usable transport")
)
