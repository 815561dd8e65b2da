// Package header encodes and validates the fixed 48-byte SHFS partition
// header.
//
// On-Disk Layout (little-endian, no padding):
//
//	offset  size  field
//	0       5     signature "SHFS!"
//	5       16    name (ASCII, zero padded)
//	21      1     rev
//	22      2     piece_sz (MiB per piece)
//	24      8     piece_count
//	32      8     free_space (bytes, volatile)
//	40      8     index_end (absolute byte offset)
//
// The header is written once at format time. Afterwards only free_space
// changes, and only a mounted session writes it. free_space is never trusted
// across mounts: the session recomputes it from the piece bitmap.
package header

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"
)

const (
	// Size is the encoded header length.
	Size = 48

	// NameSize is the fixed width of the partition name field.
	NameSize = 16

	// DescriptorSize is the space reserved for the metadata region
	// descriptor immediately after the header.
	DescriptorSize = 64

	// Revision is the format revision written by this package.
	Revision = 1

	// MiB is the piece size unit.
	MiB = 1 << 20
)

// Signature identifies an SHFS partition.
var Signature = [5]byte{'S', 'H', 'F', 'S', '!'}

const (
	offSignature  = 0
	offName       = 5
	offRev        = 21
	offPieceSize  = 22
	offPieceCount = 24
	offFreeSpace  = 32
	offIndexEnd   = 40
)

// Header is the decoded partition header.
type Header struct {
	Name       [NameSize]byte
	Rev        uint8
	PieceSize  uint16 // MiB per piece
	PieceCount uint64
	FreeSpace  uint64 // bytes
	IndexEnd   uint64 // absolute byte offset of piece 0
}

// TruncateName returns the first NameSize bytes of s, zero padded.
//
// Truncation is byte-exact: a multi-byte rune straddling the limit is cut.
func TruncateName(s string) [NameSize]byte {
	var name [NameSize]byte
	copy(name[:], s)
	return name
}

// NameString returns the name without trailing zero padding.
func (h Header) NameString() string {
	return string(bytes.TrimRight(h.Name[:], "\x00"))
}

// PieceBytes returns the size of one piece in bytes.
func (h Header) PieceBytes() uint64 {
	return uint64(h.PieceSize) * MiB
}

// Capacity returns the total bytes addressable by pieces.
func (h Header) Capacity() uint64 {
	return h.PieceCount * h.PieceBytes()
}

// BitmapBytes returns the encoded piece bitmap length.
func (h Header) BitmapBytes() uint64 {
	return (h.PieceCount + 7) / 8
}

// PieceOffset returns the absolute byte offset of piece p.
func (h Header) PieceOffset(p uint64) uint64 {
	return h.IndexEnd + p*h.PieceBytes()
}

// DataEnd returns the first byte past the last piece.
func (h Header) DataEnd() uint64 {
	return h.IndexEnd + h.Capacity()
}

// MinIndexEnd returns the smallest index_end able to hold the header, the
// region descriptor and the piece bitmap.
func (h Header) MinIndexEnd() uint64 {
	return Size + DescriptorSize + h.BitmapBytes()
}

// Encode serializes h into the fixed on-disk layout.
func Encode(h Header) [Size]byte {
	var buf [Size]byte
	copy(buf[offSignature:offName], Signature[:])
	copy(buf[offName:offRev], h.Name[:])
	buf[offRev] = h.Rev
	binary.LittleEndian.PutUint16(buf[offPieceSize:], h.PieceSize)
	binary.LittleEndian.PutUint64(buf[offPieceCount:], h.PieceCount)
	binary.LittleEndian.PutUint64(buf[offFreeSpace:], h.FreeSpace)
	binary.LittleEndian.PutUint64(buf[offIndexEnd:], h.IndexEnd)
	return buf
}

// Decode parses a header and checks the device-independent invariants.
//
// Returns:
//   - ErrShortHeader if data holds fewer than Size bytes
//   - ErrInvalidSignature if the signature does not match
//   - ErrUnsupportedRevision if rev is newer than Revision
//   - ErrInvalidGeometry for zero piece size/count or an out-of-bounds index_end
func Decode(data []byte) (Header, error) {
	if len(data) < Size {
		return Header{}, fmt.Errorf("got %d bytes, need %d: %w", len(data), Size, ErrShortHeader)
	}

	if !bytes.Equal(data[offSignature:offName], Signature[:]) {
		return Header{}, fmt.Errorf("signature %q: %w", data[offSignature:offName], ErrInvalidSignature)
	}

	var h Header
	copy(h.Name[:], data[offName:offRev])
	h.Rev = data[offRev]
	h.PieceSize = binary.LittleEndian.Uint16(data[offPieceSize:])
	h.PieceCount = binary.LittleEndian.Uint64(data[offPieceCount:])
	h.FreeSpace = binary.LittleEndian.Uint64(data[offFreeSpace:])
	h.IndexEnd = binary.LittleEndian.Uint64(data[offIndexEnd:])

	if h.Rev > Revision {
		return Header{}, fmt.Errorf("revision %d: %w", h.Rev, ErrUnsupportedRevision)
	}

	if err := checkGeometry(h); err != nil {
		return Header{}, err
	}

	return h, nil
}

// Validate re-checks h against the real partition size.
//
// It catches a header copied onto a smaller device: index_end and every
// piece must lie inside the partition. free_space is not checked; mount
// replaces it with the bitmap-derived value.
func Validate(h Header, partitionSize uint64) error {
	if err := checkGeometry(h); err != nil {
		return err
	}

	if h.IndexEnd > partitionSize {
		return fmt.Errorf("index_end %d beyond partition size %d: %w", h.IndexEnd, partitionSize, ErrInvalidGeometry)
	}
	if h.DataEnd() > partitionSize {
		return fmt.Errorf("%d pieces of %d MiB end at %d, beyond partition size %d: %w",
			h.PieceCount, h.PieceSize, h.DataEnd(), partitionSize, ErrInvalidGeometry)
	}

	return nil
}

// checkGeometry verifies the invariants that hold regardless of device size.
func checkGeometry(h Header) error {
	if h.PieceSize == 0 {
		return fmt.Errorf("piece_sz is zero: %w", ErrInvalidGeometry)
	}
	if h.PieceCount == 0 {
		return fmt.Errorf("piece_count is zero: %w", ErrInvalidGeometry)
	}

	hi, capacity := bits.Mul64(h.PieceCount, h.PieceBytes())
	if hi != 0 {
		return fmt.Errorf("piece_count %d overflows the address space: %w", h.PieceCount, ErrInvalidGeometry)
	}
	if _, carry := bits.Add64(h.IndexEnd, capacity, 0); carry != 0 {
		return fmt.Errorf("data region overflows the address space: %w", ErrInvalidGeometry)
	}

	if h.IndexEnd < h.MinIndexEnd() {
		return fmt.Errorf("index_end %d below metadata minimum %d: %w", h.IndexEnd, h.MinIndexEnd(), ErrInvalidGeometry)
	}

	return nil
}
