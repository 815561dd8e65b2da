package alloc

import "errors"

var (
	// ErrOutOfSpace indicates fewer free pieces than requested.
	ErrOutOfSpace = errors.New("out of space")

	// ErrPieceOutOfRange indicates a piece index >= piece count.
	ErrPieceOutOfRange = errors.New("piece index out of range")

	// ErrPieceNotAllocated indicates freeing or linking a free piece.
	ErrPieceNotAllocated = errors.New("piece not allocated")

	// ErrBitmapSizeMismatch indicates a bitmap whose length does not match
	// the piece count.
	ErrBitmapSizeMismatch = errors.New("bitmap size mismatch")

	// ErrCorruptBitmap indicates nonzero padding bits past the piece count.
	ErrCorruptBitmap = errors.New("corrupt bitmap")

	// ErrCorruptChain indicates a cycle or an out-of-range next pointer.
	ErrCorruptChain = errors.New("corrupt piece chain")

	// ErrDoubleOwned indicates a piece claimed by more than one chain.
	ErrDoubleOwned = errors.New("piece owned by more than one chain")
)
