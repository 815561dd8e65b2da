package shfs

import (
	"math/bits"
	"time"

	"github.com/marmos91/shfs/pkg/shfs/nameindex"
	"github.com/marmos91/shfs/pkg/shfs/tree"
)

// FormatOptions are the inputs to Format.
type FormatOptions struct {
	// Name is hard-truncated to 16 bytes.
	Name string

	// PieceSizeMiB is the piece size in MiB. Default 1.
	PieceSizeMiB uint16

	// PieceCount is the number of pieces. Zero fills the device.
	PieceCount uint64

	// KeyLength is the name index key length k. Default 12.
	KeyLength int

	// BucketCount defaults to PieceCount rounded up to a power of two, min 16.
	BucketCount uint32

	// BucketCapacity is the number of slots per bucket. Default 8.
	BucketCapacity uint32
}

// Format defaults.
const (
	DefaultPieceSizeMiB   = 1
	DefaultBucketCapacity = 8
	MinBucketCount        = 16
)

// DefaultBucketCount returns pieceCount rounded up to a power of two, at
// least MinBucketCount and at most 1<<31.
func DefaultBucketCount(pieceCount uint64) uint32 {
	if pieceCount <= MinBucketCount {
		return MinBucketCount
	}
	if pieceCount > 1<<31 {
		return 1 << 31
	}
	return uint32(1) << bits.Len64(pieceCount-1)
}

func (o FormatOptions) withDefaults() FormatOptions {
	if o.PieceSizeMiB == 0 {
		o.PieceSizeMiB = DefaultPieceSizeMiB
	}
	if o.KeyLength == 0 {
		o.KeyLength = nameindex.DefaultKeyLength
	}
	if o.BucketCapacity == 0 {
		o.BucketCapacity = DefaultBucketCapacity
	}
	return o
}

// Metrics receives session observations. Implementations must be safe for
// concurrent use. A nil Metrics disables collection.
type Metrics interface {
	// ObserveOperation records one engine operation.
	ObserveOperation(op string, d time.Duration, err error)

	// SetFreeBytes reports the current free space.
	SetFreeBytes(n uint64)

	// RecordIndexOverflow counts a degraded index insert.
	RecordIndexOverflow()

	// RecordScrub reports the pieces a scrub reclaimed and repaired.
	RecordScrub(leaked, missing int)
}

// Options configures a session.
type Options struct {
	// ScrubOnMount runs Scrub before Mount returns.
	ScrubOnMount bool

	// Tree holds path limits and the index overflow policy. OnOverflow is
	// set by the session.
	Tree tree.Options

	Metrics Metrics
}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(string, time.Duration, error) {}
func (noopMetrics) SetFreeBytes(uint64)                           {}
func (noopMetrics) RecordIndexOverflow()                          {}
func (noopMetrics) RecordScrub(int, int)                          {}
