// Package layout derives the metadata sub-layout of an SHFS partition and
// encodes the region descriptor that anchors it.
//
// Metadata Region [48, index_end):
//
//	48                       region descriptor (64 bytes)
//	112                      name-index buckets, bucket_count * BucketSize
//	...                      slack
//	index_end - bitmap_bytes piece bitmap
//
// Every offset is computable from the header and the descriptor alone.
package layout

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/marmos91/shfs/internal/checksum"
	"github.com/marmos91/shfs/pkg/shfs/header"
)

const (
	// DescriptorOffset is the absolute offset of the region descriptor.
	DescriptorOffset = header.Size

	// BucketsOffset is the absolute offset of bucket 0.
	BucketsOffset = DescriptorOffset + header.DescriptorSize

	// BucketHeaderSize is the per-bucket header length.
	BucketHeaderSize = 8

	// SlotSize is the encoded length of one bucket slot.
	SlotSize = 16

	// DescriptorVersion is the descriptor encoding written by this package.
	DescriptorVersion = 1

	// Alignment rounds index_end so piece 0 starts on a 4KiB boundary.
	Alignment = 4096
)

var descriptorMagic = [4]byte{'S', 'H', 'I', 'X'}

var (
	// ErrInvalidDescriptor indicates missing magic or a checksum mismatch.
	ErrInvalidDescriptor = errors.New("invalid region descriptor")

	// ErrUnsupportedDescriptor indicates a descriptor version this package
	// cannot read.
	ErrUnsupportedDescriptor = errors.New("unsupported region descriptor version")

	// ErrLayoutOverlap indicates the buckets would run into the bitmap.
	ErrLayoutOverlap = errors.New("metadata layout overlaps")
)

// Descriptor is the region descriptor stored at DescriptorOffset.
//
// On-disk layout (little-endian):
//
//	0   4  magic "SHIX"
//	4   1  version
//	5   1  key length k
//	6   2  reserved
//	8   4  bucket count
//	12  4  bucket capacity
//	16  8  bitmap bytes
//	24  8  catalog head piece
//	32  8  catalog generation
//	40  16 reserved
//	56  8  BLAKE3 checksum of bytes [0, 56)
type Descriptor struct {
	Version           uint8
	KeyLength         uint8
	BucketCount       uint32
	BucketCapacity    uint32
	BitmapBytes       uint64
	CatalogHead       uint64
	CatalogGeneration uint64
}

const descriptorBody = header.DescriptorSize - 8

// EncodeDescriptor serializes d with its checksum.
func EncodeDescriptor(d Descriptor) [header.DescriptorSize]byte {
	var buf [header.DescriptorSize]byte
	copy(buf[0:4], descriptorMagic[:])
	buf[4] = d.Version
	buf[5] = d.KeyLength
	binary.LittleEndian.PutUint32(buf[8:], d.BucketCount)
	binary.LittleEndian.PutUint32(buf[12:], d.BucketCapacity)
	binary.LittleEndian.PutUint64(buf[16:], d.BitmapBytes)
	binary.LittleEndian.PutUint64(buf[24:], d.CatalogHead)
	binary.LittleEndian.PutUint64(buf[32:], d.CatalogGeneration)
	binary.LittleEndian.PutUint64(buf[descriptorBody:], checksum.Sum64(checksum.Descriptor, buf[:descriptorBody]))
	return buf
}

// DecodeDescriptor parses and verifies a descriptor.
func DecodeDescriptor(data []byte) (Descriptor, error) {
	if len(data) < header.DescriptorSize {
		return Descriptor{}, fmt.Errorf("got %d bytes: %w", len(data), ErrInvalidDescriptor)
	}
	if [4]byte(data[0:4]) != descriptorMagic {
		return Descriptor{}, fmt.Errorf("magic %q: %w", data[0:4], ErrInvalidDescriptor)
	}

	want := checksum.Sum64(checksum.Descriptor, data[:descriptorBody])
	if got := binary.LittleEndian.Uint64(data[descriptorBody:]); got != want {
		return Descriptor{}, fmt.Errorf("checksum %016x, expected %016x: %w", got, want, ErrInvalidDescriptor)
	}

	d := Descriptor{
		Version:           data[4],
		KeyLength:         data[5],
		BucketCount:       binary.LittleEndian.Uint32(data[8:]),
		BucketCapacity:    binary.LittleEndian.Uint32(data[12:]),
		BitmapBytes:       binary.LittleEndian.Uint64(data[16:]),
		CatalogHead:       binary.LittleEndian.Uint64(data[24:]),
		CatalogGeneration: binary.LittleEndian.Uint64(data[32:]),
	}
	if d.Version != DescriptorVersion {
		return Descriptor{}, fmt.Errorf("version %d: %w", d.Version, ErrUnsupportedDescriptor)
	}
	if d.KeyLength == 0 || d.BucketCount == 0 || d.BucketCapacity == 0 {
		return Descriptor{}, fmt.Errorf("zero index geometry: %w", ErrInvalidDescriptor)
	}

	return d, nil
}

// BucketSize returns the encoded size of one bucket with capacity slots.
func BucketSize(capacity uint32) uint64 {
	return BucketHeaderSize + uint64(capacity)*SlotSize
}

// Layout holds the absolute offsets of every metadata structure.
type Layout struct {
	BucketCount    uint32
	BucketCapacity uint32
	BucketSize     uint64
	BucketsEnd     uint64
	BitmapOffset   uint64
	BitmapBytes    uint64
	IndexEnd       uint64
}

// Derive computes the layout for a decoded header and descriptor.
func Derive(h header.Header, d Descriptor) (Layout, error) {
	l := Layout{
		BucketCount:    d.BucketCount,
		BucketCapacity: d.BucketCapacity,
		BucketSize:     BucketSize(d.BucketCapacity),
		BitmapBytes:    h.BitmapBytes(),
		IndexEnd:       h.IndexEnd,
	}
	l.BucketsEnd = BucketsOffset + uint64(d.BucketCount)*l.BucketSize
	l.BitmapOffset = h.IndexEnd - l.BitmapBytes

	if l.BucketsEnd > l.BitmapOffset {
		return Layout{}, fmt.Errorf("buckets end at %d, bitmap starts at %d: %w", l.BucketsEnd, l.BitmapOffset, ErrLayoutOverlap)
	}

	return l, nil
}

// BucketOffset returns the absolute offset of bucket i.
func (l Layout) BucketOffset(i uint32) uint64 {
	return BucketsOffset + uint64(i)*l.BucketSize
}

// IndexEndFor returns the aligned index_end needed for a partition with the
// given piece count and bucket geometry.
func IndexEndFor(pieceCount uint64, bucketCount, bucketCapacity uint32) uint64 {
	bitmap := (pieceCount + 7) / 8
	end := BucketsOffset + uint64(bucketCount)*BucketSize(bucketCapacity) + bitmap
	return (end + Alignment - 1) / Alignment * Alignment
}
