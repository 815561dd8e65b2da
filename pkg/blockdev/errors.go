package blockdev

import "errors"

// ============================================================================
// Standard Device Errors
// ============================================================================

// These errors let the engine classify device failures independently of the
// backend. Backends wrap them with context:
//
//	return fmt.Errorf("block %d: %w", n, blockdev.ErrOutOfRange)
//
// Anything a backend returns that does not wrap one of these is treated as an
// opaque I/O failure and propagated verbatim.

var (
	// ErrOutOfRange indicates an access extending beyond the device size.
	ErrOutOfRange = errors.New("access out of device range")

	// ErrInvalidOffset indicates a negative offset.
	ErrInvalidOffset = errors.New("invalid device offset")

	// ErrClosed indicates the device was used after Close.
	ErrClosed = errors.New("device closed")

	// ErrManifestMismatch indicates an existing backend holds a device with a
	// different geometry than the one requested.
	ErrManifestMismatch = errors.New("device manifest mismatch")
)
