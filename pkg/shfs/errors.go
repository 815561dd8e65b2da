package shfs

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/shfs/pkg/shfs/alloc"
	"github.com/marmos91/shfs/pkg/shfs/header"
	"github.com/marmos91/shfs/pkg/shfs/layout"
	"github.com/marmos91/shfs/pkg/shfs/nameindex"
	"github.com/marmos91/shfs/pkg/shfs/tree"
)

// ============================================================================
// Error Taxonomy
// ============================================================================

// Kind classifies engine errors.
type Kind int

const (
	// KindUnknown is any error the engine does not recognize.
	KindUnknown Kind = iota

	// KindStructural covers bad signature, geometry or metadata encoding.
	// Fatal at mount.
	KindStructural

	// KindCapacity covers OutOfSpace and IndexOverflow. The operation was
	// aborted with nothing committed.
	KindCapacity

	// KindLookup covers NotFound, AlreadyExists, ParentNotFound and the
	// other path errors. Ordinary control flow.
	KindLookup

	// KindConsistency covers bitmap/tree disagreement. Triggers a rebuild.
	KindConsistency

	// KindIO covers device failures, propagated verbatim.
	KindIO

	// KindState covers operations invalid in the current mount state.
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindStructural:
		return "structural"
	case KindCapacity:
		return "capacity"
	case KindLookup:
		return "lookup"
	case KindConsistency:
		return "consistency"
	case KindIO:
		return "io"
	case KindState:
		return "state"
	default:
		return "unknown"
	}
}

var (
	// ErrIO marks device failures. The device's own error stays in the chain.
	ErrIO = errors.New("device I/O error")

	// ErrNotMounted indicates an operation on a session that is not mounted.
	ErrNotMounted = errors.New("partition not mounted")

	// ErrBadState indicates a mount or unmount from the wrong state.
	ErrBadState = errors.New("invalid mount state transition")

	// ErrSessionFailed indicates a session left in the Failed state by an
	// ambiguous commit or a failed unmount flush. Unmount and remount.
	ErrSessionFailed = errors.New("session failed; unmount required")

	// ErrConsistency indicates the bitmap and the tree disagree.
	ErrConsistency = errors.New("bitmap and directory tree disagree")
)

var kindTable = []struct {
	kind Kind
	errs []error
}{
	{KindIO, []error{ErrIO, context.Canceled, context.DeadlineExceeded}},
	{KindState, []error{ErrNotMounted, ErrBadState, ErrSessionFailed}},
	{KindConsistency, []error{
		ErrConsistency,
		alloc.ErrCorruptBitmap, alloc.ErrCorruptChain, alloc.ErrDoubleOwned,
		alloc.ErrPieceNotAllocated, alloc.ErrPieceOutOfRange,
	}},
	{KindCapacity, []error{alloc.ErrOutOfSpace, nameindex.ErrIndexOverflow, tree.ErrFileTooLarge}},
	{KindLookup, []error{
		tree.ErrNotFound, tree.ErrAlreadyExists, tree.ErrParentNotFound,
		tree.ErrNotDirectory, tree.ErrIsDirectory, tree.ErrNotEmpty,
		tree.ErrNameTooLong, tree.ErrInvalidPath,
	}},
	{KindStructural, []error{
		header.ErrShortHeader, header.ErrInvalidSignature, header.ErrInvalidGeometry,
		header.ErrUnsupportedRevision,
		layout.ErrInvalidDescriptor, layout.ErrUnsupportedDescriptor, layout.ErrLayoutOverlap,
		alloc.ErrBitmapSizeMismatch, tree.ErrCorruptCatalog,
		nameindex.ErrKeyLengthChange, nameindex.ErrCorruptBucket,
	}},
}

// KindOf classifies err. Device errors take precedence over everything else
// in the chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, row := range kindTable {
		for _, target := range row.errs {
			if errors.Is(err, target) {
				return row.kind
			}
		}
	}
	return KindUnknown
}

// ============================================================================
// Error Types
// ============================================================================

// OpError records the operation and path of a failed engine call.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("shfs %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("shfs %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Kind returns KindOf(e.Err).
func (e *OpError) Kind() Kind { return KindOf(e.Err) }

// MountError is returned by Mount and Unmount.
type MountError struct {
	Op        string // "mount" or "unmount"
	Partition string
	Err       error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("shfs %s %q: %v", e.Op, e.Partition, e.Err)
}

func (e *MountError) Unwrap() error { return e.Err }

// ConsistencyError describes a bitmap/tree disagreement.
type ConsistencyError struct {
	// Missing pieces are owned by a chain but marked free.
	Missing []uint64

	// DoubleOwned pieces appear in more than one chain. Not repairable.
	DoubleOwned bool

	Err error
}

func (e *ConsistencyError) Error() string {
	if e.DoubleOwned {
		return fmt.Sprintf("%v: %v", ErrConsistency, e.Err)
	}
	return fmt.Sprintf("%v: %d owned pieces marked free", ErrConsistency, len(e.Missing))
}

func (e *ConsistencyError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrConsistency, e.Err}
	}
	return []error{ErrConsistency}
}

func ioError(op string, off uint64, n int, err error) error {
	return fmt.Errorf("%s %d bytes at %d: %w: %w", op, n, off, ErrIO, err)
}
