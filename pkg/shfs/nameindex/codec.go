package nameindex

import (
	"encoding/binary"
	"fmt"
	"path"
)

// Bucket On-Disk Layout (little-endian):
//
//	0   1  flags (bit0 = unindexed)
//	1   1  reserved
//	2   2  slot count
//	4   4  reserved
//	8   16 * capacity slots: key hash u64, entry ID u64
//
// Paths are not stored. Decoding resolves entry IDs through the directory
// tree.
const (
	bucketHeaderSize = 8
	slotSize         = 16
	flagUnindexed    = 0x01
)

// BucketSize returns the encoded size of one bucket.
func (ix *Index) BucketSize() int {
	return bucketHeaderSize + int(ix.capacity)*slotSize
}

// EncodeBucket serializes bucket b.
func (ix *Index) EncodeBucket(b uint32) []byte {
	bkt := ix.buckets[b]
	buf := make([]byte, ix.BucketSize())

	if bkt.unindexed {
		buf[0] = flagUnindexed
	}
	binary.LittleEndian.PutUint16(buf[2:], uint16(len(bkt.slots)))

	for i, s := range bkt.slots {
		off := bucketHeaderSize + i*slotSize
		binary.LittleEndian.PutUint64(buf[off:], s.hash)
		binary.LittleEndian.PutUint64(buf[off+8:], s.id)
	}
	return buf
}

// Resolver maps an entry ID to its current path.
type Resolver func(id uint64) (string, bool)

// DecodeBucket replaces bucket b with its on-disk form.
//
// Slots naming an ID the resolver does not know, or whose hash no longer
// matches the resolved path's key, are dropped and the bucket is marked
// dirty so the cleaned form is written back. It returns the number of
// dropped slots.
func (ix *Index) DecodeBucket(b uint32, data []byte, resolve Resolver) (int, error) {
	if len(data) < ix.BucketSize() {
		return 0, fmt.Errorf("bucket %d: %d bytes, need %d: %w", b, len(data), ix.BucketSize(), ErrCorruptBucket)
	}

	flags := data[0]
	if flags&^flagUnindexed != 0 {
		return 0, fmt.Errorf("bucket %d: unknown flags %#x: %w", b, flags, ErrCorruptBucket)
	}

	count := uint32(binary.LittleEndian.Uint16(data[2:]))
	if count > ix.capacity {
		return 0, fmt.Errorf("bucket %d: %d slots exceed capacity %d: %w", b, count, ix.capacity, ErrCorruptBucket)
	}

	bkt := bucket{unindexed: flags&flagUnindexed != 0}
	if bkt.unindexed && count != 0 {
		return 0, fmt.Errorf("bucket %d: unindexed with %d slots: %w", b, count, ErrCorruptBucket)
	}

	dropped := 0
	for i := range count {
		off := bucketHeaderSize + int(i)*slotSize
		hash := binary.LittleEndian.Uint64(data[off:])
		id := binary.LittleEndian.Uint64(data[off+8:])

		p, ok := resolve(id)
		if !ok || HashKey(Key(path.Base(p), ix.k)) != hash || uint32(hash%uint64(len(ix.buckets))) != b {
			dropped++
			continue
		}
		bkt.slots = append(bkt.slots, slot{hash: hash, id: id, path: p})
	}

	ix.buckets[b] = bkt
	if dropped > 0 {
		ix.markDirty(b)
	}
	return dropped, nil
}
