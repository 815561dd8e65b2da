// Package blockdev defines the raw block device capability the SHFS engine
// performs all partition I/O through.
//
// The engine never touches storage directly. Every header, bitmap, index,
// catalog and piece access is a ReadAt or WriteAt against a Device, and a
// mutation is only published in memory after Flush confirms durability.
//
// Implementations:
//   - memory: sparse in-memory device (tests, scratch partitions)
//   - file: disk image on the local filesystem
//   - badger: fixed-size blocks stored in BadgerDB
//   - s3: fixed-size blocks stored as S3 objects
package blockdev

import (
	"context"
	"fmt"
)

// Device is a byte-addressed block device of fixed size.
//
// All methods must be safe for concurrent use. The engine serializes its own
// mutations, but read-only engine operations issue ReadAt without holding the
// partition lock.
type Device interface {
	// ReadAt fills p from offset off.
	//
	// Reads entirely within the device always fill p completely. A read that
	// extends beyond Size() fails with ErrOutOfRange and reads nothing.
	// Never-written regions read as zeros.
	ReadAt(ctx context.Context, p []byte, off int64) error

	// WriteAt writes p at offset off.
	//
	// A write that extends beyond Size() fails with ErrOutOfRange and writes
	// nothing. Data is not guaranteed durable until Flush returns nil.
	WriteAt(ctx context.Context, p []byte, off int64) error

	// Flush makes every preceding successful WriteAt durable.
	Flush(ctx context.Context) error

	// Size returns the device capacity in bytes.
	Size() int64

	// Close releases the device. Unflushed writes may be lost.
	Close() error
}

// CheckRange validates an access of n bytes at off against size.
//
// Backends call this first in ReadAt/WriteAt so every implementation reports
// the same error for out-of-range access.
func CheckRange(off int64, n int, size int64) error {
	if off < 0 {
		return fmt.Errorf("offset %d: %w", off, ErrInvalidOffset)
	}
	if off > size || int64(n) > size-off {
		return fmt.Errorf("access [%d, %d) beyond device size %d: %w", off, off+int64(n), size, ErrOutOfRange)
	}
	return nil
}
