package blockdev

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Span is the part of a byte range that falls inside one fixed-size block.
type Span struct {
	// Block is the block number.
	Block int64

	// Offset is the start of the span inside the block.
	Offset int

	// Start and End delimit the span inside the caller's buffer.
	Start, End int
}

// Spans splits the range [off, off+n) into per-block spans in ascending order.
func Spans(off int64, n int, blockSize int) []Span {
	if n <= 0 {
		return nil
	}

	bs := int64(blockSize)
	spans := make([]Span, 0, int64(n)/bs+2)

	pos := 0
	for pos < n {
		abs := off + int64(pos)
		block := abs / bs
		inBlock := int(abs % bs)
		length := min(blockSize-inBlock, n-pos)

		spans = append(spans, Span{
			Block:  block,
			Offset: inBlock,
			Start:  pos,
			End:    pos + length,
		})
		pos += length
	}

	return spans
}

// Manifest describes the geometry of a block-structured backend.
//
// Backends that store blocks as separate records (badger keys, S3 objects)
// persist a manifest so a reopened device refuses a mismatched geometry
// instead of silently reading foreign blocks.
type Manifest struct {
	Version   uint8 `cbor:"1,keyasint"`
	Size      int64 `cbor:"2,keyasint"`
	BlockSize int   `cbor:"3,keyasint"`
}

// ManifestVersion is the current manifest encoding version.
const ManifestVersion = 1

var manifestEncMode cbor.EncMode

func init() {
	var err error
	manifestEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("blockdev: CBOR encoder initialization failed: " + err.Error())
	}
}

// EncodeManifest serializes m with deterministic CBOR.
func EncodeManifest(m Manifest) ([]byte, error) {
	return manifestEncMode.Marshal(m)
}

// DecodeManifest parses a manifest written by EncodeManifest.
func DecodeManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := cbor.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("failed to decode device manifest: %w", err)
	}
	if m.Version != ManifestVersion {
		return Manifest{}, fmt.Errorf("manifest version %d: %w", m.Version, ErrManifestMismatch)
	}
	return m, nil
}

// CheckManifest compares a stored manifest with the requested geometry.
func CheckManifest(stored Manifest, size int64, blockSize int) error {
	if stored.Size != size || stored.BlockSize != blockSize {
		return fmt.Errorf("stored size=%d block=%d, requested size=%d block=%d: %w",
			stored.Size, stored.BlockSize, size, blockSize, ErrManifestMismatch)
	}
	return nil
}
