// Package checksum provides the BLAKE3 keyed hashes used for on-disk
// integrity checks and name-index key hashing.
package checksum

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// Domain is a 32-byte BLAKE3 key. Each on-disk structure hashes under its
// own domain so identical bytes in different structures never share a
// digest. The keys are the ASCII domain name zero-padded to 32 bytes;
// changing one invalidates every image written with it.
type Domain [32]byte

func newDomain(name string) Domain {
	var d Domain
	copy(d[:], name)
	return d
}

var (
	// Descriptor covers the metadata region descriptor.
	Descriptor = newDomain("shfs.layout.descriptor")

	// Catalog covers the serialized directory tree payload.
	Catalog = newDomain("shfs.tree.catalog")

	// NameKey hashes truncated name-index keys into buckets.
	NameKey = newDomain("shfs.nameindex.key")
)

// Sum returns the 32-byte keyed hash of data in domain d.
func Sum(d Domain, data []byte) [32]byte {
	hasher, err := blake3.NewKeyed(d[:])
	if err != nil {
		// NewKeyed only fails for keys that are not 32 bytes.
		panic("checksum: " + err.Error())
	}
	_, _ = hasher.Write(data)

	var out [32]byte
	hasher.Sum(out[:0])
	return out
}

// Sum64 returns the first 8 bytes of Sum as a little-endian integer.
func Sum64(d Domain, data []byte) uint64 {
	sum := Sum(d, data)
	return binary.LittleEndian.Uint64(sum[:8])
}
