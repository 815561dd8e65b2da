package header

import "errors"

var (
	// ErrShortHeader indicates fewer than Size bytes were supplied.
	ErrShortHeader = errors.New("partition header too short")

	// ErrInvalidSignature indicates the first bytes are not Signature.
	ErrInvalidSignature = errors.New("invalid partition signature")

	// ErrInvalidGeometry indicates piece size, piece count or index_end
	// violate the partition invariants.
	ErrInvalidGeometry = errors.New("invalid partition geometry")

	// ErrUnsupportedRevision indicates a header written by a newer format.
	ErrUnsupportedRevision = errors.New("unsupported partition revision")
)
