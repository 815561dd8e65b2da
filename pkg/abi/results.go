package abi

import (
	"errors"
	"math"

	"github.com/marmos91/shfs/pkg/shfs"
	"github.com/marmos91/shfs/pkg/shfs/alloc"
	"github.com/marmos91/shfs/pkg/shfs/nameindex"
	"github.com/marmos91/shfs/pkg/shfs/tree"
)

// Result codes. Values below ResultErrorBase are successful results;
// failures count down from MaxUint64.
const (
	ResultInvalid uint64 = math.MaxUint64 - iota
	ResultNotFound
	ResultAlreadyExists
	ResultOutOfSpace
	ResultIndexOverflow
	ResultIO
	ResultFault
	ResultUnsupported
	ResultNotMounted
	ResultBufferTooSmall

	// ResultErrorBase is the smallest failure code.
	ResultErrorBase = ResultBufferTooSmall
)

// IsError reports whether r is a failure code.
func IsError(r uint64) bool {
	return r >= ResultErrorBase
}

var resultText = map[uint64]string{
	ResultInvalid:        "invalid argument",
	ResultNotFound:       "not found",
	ResultAlreadyExists:  "already exists",
	ResultOutOfSpace:     "out of space",
	ResultIndexOverflow:  "index overflow",
	ResultIO:             "i/o error",
	ResultFault:          "bad address",
	ResultUnsupported:    "unsupported",
	ResultNotMounted:     "not mounted",
	ResultBufferTooSmall: "buffer too small",
}

// ResultText returns the diagnostic text of a failure code.
func ResultText(r uint64) (string, bool) {
	text, ok := resultText[r]
	return text, ok
}

// resultFor maps an engine or memory error to its result code.
func resultFor(err error) uint64 {
	switch {
	case errors.Is(err, ErrFault):
		return ResultFault
	case errors.Is(err, shfs.ErrNotMounted), errors.Is(err, shfs.ErrSessionFailed):
		return ResultNotMounted
	case errors.Is(err, tree.ErrNotFound), errors.Is(err, tree.ErrParentNotFound):
		return ResultNotFound
	case errors.Is(err, tree.ErrAlreadyExists):
		return ResultAlreadyExists
	case errors.Is(err, alloc.ErrOutOfSpace):
		return ResultOutOfSpace
	case errors.Is(err, nameindex.ErrIndexOverflow):
		return ResultIndexOverflow
	}

	switch shfs.KindOf(err) {
	case shfs.KindIO, shfs.KindConsistency, shfs.KindStructural:
		return ResultIO
	case shfs.KindCapacity:
		return ResultOutOfSpace
	default:
		return ResultInvalid
	}
}
