package protocol

import "errors"

// Domain errors for the appliance wire protocol.
var (
	// ErrProtocol is returned when a message is malformed, incomplete or
	// the device answered with an unrecognised error envelope.
	ErrProtocol = errors.New("protocol: malformed or rejected message")

	// ErrInvalidKey is returned when a device rejects the message
	// signature, meaning the key configured for it is wrong.
	ErrInvalidKey = errors.New("protocol: key rejected by device")

	// ErrSignature is returned when an inbound message carries a signature
	// that does not match the locally configured key.
	ErrSignature = errors.New("protocol: signature mismatch")

	// ErrEncryption is returned when an encrypted payload cannot be
	// encoded or decoded.
	ErrEncryption = errors.New("protocol: encryption failed")

	// ErrTruncated is returned when a reply buffer was cut short by the
	// device and could not be repaired.
	ErrTruncated = errors.New("protocol: truncated response")
)
