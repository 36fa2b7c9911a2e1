package room

import "errors"

// Error kinds surfaced by rooms and the manager. Use [errors.Is] to classify
// at the transport boundary.
var (
	// ErrNotFound is returned by the manager for an unknown room ID.
	ErrNotFound = errors.New("room: not found")

	// ErrCapacity is returned when both roles are reserved or connected.
	ErrCapacity = errors.New("room: already has two active participants")

	// ErrRoleTaken is returned when a control socket tries to register a
	// role that already has one.
	ErrRoleTaken = errors.New("room: role already has a control subscriber")

	// ErrPromptNotFound is returned for mutations targeting an unknown
	// prompt ID.
	ErrPromptNotFound = errors.New("room: prompt not found")

	// ErrUnsupportedEvent is returned by the dispatcher for unknown control
	// event types.
	ErrUnsupportedEvent = errors.New("room: unsupported event type")

	// ErrInvalidArgument is returned for malformed control payloads: empty
	// prompt text, out-of-range weights, unknown playback commands, or
	// config patches that fail validation.
	ErrInvalidArgument = errors.New("room: invalid argument")
)
