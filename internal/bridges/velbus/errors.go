package velbus

import "errors"

// Domain errors for the Velbus bridge package.
var (
	// ErrNotConnected is returned when an operation requires a live
	// connection to the Velbus interface.
	ErrNotConnected = errors.New("velbus: not connected")

	// ErrConnectionFailed is returned when opening the transport fails.
	ErrConnectionFailed = errors.New("velbus: connection failed")

	// ErrNotConfigured is returned when no connection target is configured.
	// The client stays offline and does not schedule reconnection.
	ErrNotConfigured = errors.New("velbus: connection target not configured")

	// ErrClosed is returned when an operation is attempted on a closed client.
	ErrClosed = errors.New("velbus: client closed")

	// ErrSendQueueFull is returned when too many packets are waiting for
	// their send slot.
	ErrSendQueueFull = errors.New("velbus: send queue full")

	// ErrPayloadTooLarge is returned when a packet carries more data bytes
	// than the 4-bit length field can describe.
	ErrPayloadTooLarge = errors.New("velbus: payload exceeds 15 bytes")

	// ErrInvalidPriority is returned when a packet priority is neither
	// high nor low.
	ErrInvalidPriority = errors.New("velbus: invalid priority")

	// ErrMalformedFrame is returned when a frame fails marker, length or
	// checksum validation.
	ErrMalformedFrame = errors.New("velbus: malformed frame")

	// ErrInvalidChannel is returned when a channel index or identifier does
	// not belong to a module.
	ErrInvalidChannel = errors.New("velbus: invalid channel")

	// ErrInvalidAddress is returned when an address string cannot be parsed.
	ErrInvalidAddress = errors.New("velbus: invalid address")

	// ErrInvalidAlarm is returned for an alarm number other than 1 or 2.
	ErrInvalidAlarm = errors.New("velbus: invalid alarm number")

	// ErrNilListener is returned when registering a nil packet listener.
	ErrNilListener = errors.New("velbus: listener is nil")

	// ErrUnsupportedCommand is returned when a module cannot execute a command.
	ErrUnsupportedCommand = errors.New("velbus: unsupported command")

	// ErrInvalidParameter is returned when a command parameter is missing
	// or out of range.
	ErrInvalidParameter = errors.New("velbus: invalid parameter")

	// ErrInvalidConfig is returned when a required option is missing or a
	// connection target cannot be used.
	ErrInvalidConfig = errors.New("velbus: invalid configuration")

	// ErrUnknownModuleType is returned for a module type missing from the catalogue.
	ErrUnknownModuleType = errors.New("velbus: unknown module type")
)
