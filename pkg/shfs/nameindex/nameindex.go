// Package nameindex implements the truncated-filename lookup index.
//
// A basename is reduced to a key made of its first k and last k runes (the
// whole name when it has at most 2k runes). Keys hash into a fixed number of
// fixed-capacity buckets, so the on-disk index never grows past the size
// reserved at format time. A bucket that would overflow is marked unindexed
// and its lookups report indexed == false, telling the caller to scan the
// directory tree instead.
//
// The index narrows, it does not prove existence: candidates sharing a key
// (or a bucket hash) are false positives the caller discards by comparison.
// Every path inserted into an indexed bucket is returned by Lookup of its
// basename.
//
// An Index is not safe for concurrent use.
package nameindex

import (
	"fmt"
	"path"
	"slices"
	"sort"

	"github.com/marmos91/shfs/internal/checksum"
)

// DefaultKeyLength is the recommended k.
const DefaultKeyLength = 12

// MaxBucketCapacity is the largest capacity the u16 slot count can encode.
const MaxBucketCapacity = 1<<16 - 1

// Key derives the truncation key of basename.
func Key(basename string, k int) string {
	runes := []rune(basename)
	if len(runes) <= 2*k {
		return basename
	}
	return string(runes[:k]) + string(runes[len(runes)-k:])
}

// HashKey returns the 64-bit bucket hash of a key.
func HashKey(key string) uint64 {
	return checksum.Sum64(checksum.NameKey, []byte(key))
}

// Entry is a path and the entry ID it belongs to.
type Entry struct {
	Path string
	ID   uint64
}

type slot struct {
	hash uint64
	id   uint64
	path string
}

type bucket struct {
	unindexed bool
	slots     []slot
}

// Index is the in-memory form of the bucket array.
type Index struct {
	k        int
	capacity uint32
	buckets  []bucket
	dirty    map[uint32]struct{}
}

// New returns an empty index.
//
// Parameters:
//   - k: key length in runes (fixed for the partition lifetime)
//   - bucketCount: number of buckets, > 0
//   - capacity: slots per bucket, 1..MaxBucketCapacity
func New(k int, bucketCount, capacity uint32) *Index {
	return &Index{
		k:        k,
		capacity: capacity,
		buckets:  make([]bucket, bucketCount),
		dirty:    make(map[uint32]struct{}),
	}
}

// KeyLength returns k.
func (ix *Index) KeyLength() int { return ix.k }

// BucketCount returns the number of buckets.
func (ix *Index) BucketCount() uint32 { return uint32(len(ix.buckets)) }

// Capacity returns the slots per bucket.
func (ix *Index) Capacity() uint32 { return ix.capacity }

func (ix *Index) locate(basename string) (uint32, uint64) {
	hash := HashKey(Key(basename, ix.k))
	return uint32(hash % uint64(len(ix.buckets))), hash
}

func (ix *Index) markDirty(b uint32) {
	ix.dirty[b] = struct{}{}
}

// Insert adds p (owned by entry id) under the key of its basename.
//
// Inserting a path already present is a no-op. If the bucket is full it is
// marked unindexed, its slots are dropped, and ErrIndexOverflow is returned;
// inserting into an unindexed bucket returns ErrIndexOverflow as well.
func (ix *Index) Insert(p string, id uint64) error {
	b, hash := ix.locate(path.Base(p))
	bkt := &ix.buckets[b]

	if bkt.unindexed {
		return fmt.Errorf("bucket %d for %s is unindexed: %w", b, p, ErrIndexOverflow)
	}

	for _, s := range bkt.slots {
		if s.hash == hash && s.path == p {
			return nil
		}
	}

	if uint32(len(bkt.slots)) >= ix.capacity {
		bkt.unindexed = true
		bkt.slots = nil
		ix.markDirty(b)
		return fmt.Errorf("bucket %d full (%d slots) inserting %s: %w", b, ix.capacity, p, ErrIndexOverflow)
	}

	bkt.slots = append(bkt.slots, slot{hash: hash, id: id, path: p})
	ix.markDirty(b)
	return nil
}

// Check reports whether Insert(p) would succeed without overflowing.
func (ix *Index) Check(p string) error {
	b, hash := ix.locate(path.Base(p))
	bkt := ix.buckets[b]

	if bkt.unindexed {
		return fmt.Errorf("bucket %d for %s is unindexed: %w", b, p, ErrIndexOverflow)
	}
	for _, s := range bkt.slots {
		if s.hash == hash && s.path == p {
			return nil
		}
	}
	if uint32(len(bkt.slots)) >= ix.capacity {
		return fmt.Errorf("bucket %d full (%d slots) for %s: %w", b, ix.capacity, p, ErrIndexOverflow)
	}
	return nil
}

// Remove drops p from the index. It reports whether p was present.
func (ix *Index) Remove(p string) bool {
	b, hash := ix.locate(path.Base(p))
	bkt := &ix.buckets[b]

	for i, s := range bkt.slots {
		if s.hash == hash && s.path == p {
			bkt.slots = slices.Delete(bkt.slots, i, i+1)
			ix.markDirty(b)
			return true
		}
	}
	return false
}

// Lookup returns the candidate paths for basename in insertion order.
//
// indexed is false when the key's bucket overflowed; the caller must then
// scan. An indexed lookup with no candidates is authoritative for inserted
// paths.
func (ix *Index) Lookup(basename string) (candidates []string, indexed bool) {
	b, hash := ix.locate(basename)
	bkt := ix.buckets[b]

	if bkt.unindexed {
		return nil, false
	}

	for _, s := range bkt.slots {
		if s.hash == hash {
			candidates = append(candidates, s.path)
		}
	}
	return candidates, true
}

// Rebuild clears the index and reinserts entries.
//
// k must equal the format-time key length; changing it requires a
// reformat and returns ErrKeyLengthChange with the index untouched.
// Overflowing buckets are marked unindexed; their count is returned.
func (ix *Index) Rebuild(entries []Entry, k int) (int, error) {
	if k != ix.k {
		return 0, fmt.Errorf("formatted with k=%d, requested k=%d: %w", ix.k, k, ErrKeyLengthChange)
	}

	for i := range ix.buckets {
		ix.buckets[i] = bucket{}
		ix.markDirty(uint32(i))
	}

	overflowed := 0
	for _, e := range entries {
		b, _ := ix.locate(path.Base(e.Path))
		wasUnindexed := ix.buckets[b].unindexed
		if err := ix.Insert(e.Path, e.ID); err != nil && !wasUnindexed {
			overflowed++
		}
	}

	return overflowed, nil
}

// Unindexed returns the number of unindexed buckets.
func (ix *Index) Unindexed() int {
	n := 0
	for _, b := range ix.buckets {
		if b.unindexed {
			n++
		}
	}
	return n
}

// Len returns the number of indexed paths.
func (ix *Index) Len() int {
	n := 0
	for _, b := range ix.buckets {
		n += len(b.slots)
	}
	return n
}

// Paths returns every indexed path, sorted.
func (ix *Index) Paths() []string {
	var paths []string
	for _, b := range ix.buckets {
		for _, s := range b.slots {
			paths = append(paths, s.path)
		}
	}
	sort.Strings(paths)
	return paths
}

// Dirty returns the buckets modified since the last ClearDirty, ascending.
func (ix *Index) Dirty() []uint32 {
	dirty := make([]uint32, 0, len(ix.dirty))
	for b := range ix.dirty {
		dirty = append(dirty, b)
	}
	slices.Sort(dirty)
	return dirty
}

// ClearDirty forgets modified buckets after they were persisted.
func (ix *Index) ClearDirty() {
	clear(ix.dirty)
}

// MarkAllDirty schedules every bucket for writing.
func (ix *Index) MarkAllDirty() {
	for i := range ix.buckets {
		ix.markDirty(uint32(i))
	}
}

// Clone returns an independent copy, including the dirty set.
func (ix *Index) Clone() *Index {
	c := &Index{
		k:        ix.k,
		capacity: ix.capacity,
		buckets:  make([]bucket, len(ix.buckets)),
		dirty:    make(map[uint32]struct{}, len(ix.dirty)),
	}
	for i, b := range ix.buckets {
		c.buckets[i] = bucket{unindexed: b.unindexed, slots: slices.Clone(b.slots)}
	}
	for b := range ix.dirty {
		c.dirty[b] = struct{}{}
	}
	return c
}
