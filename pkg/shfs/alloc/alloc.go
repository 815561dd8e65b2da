// Package alloc implements the SHFS piece allocator.
//
// Free/used state lives in a bitmap (bit p is bit p%8 of byte p/8, LSB
// first) which is the authoritative on-disk record. Piece chains are linked
// through a next-piece table indexed by piece number, in the manner of a FAT:
// next[p] holds the following piece or NoPiece. A chain is identified by its
// head index, so nothing but integers crosses the persistence boundary.
//
// Allocation Policy:
//  1. First-fit: the lowest run of contiguous free pieces long enough for the
//     request.
//  2. Fallback: the lowest individually free pieces, linked in ascending order.
//  3. ErrOutOfSpace when fewer free pieces exist than requested, with no
//     state changed.
//
// Held Frees:
//
// While an allocator holds (Hold until Release), freed pieces are cleared
// from the bitmap but stay unavailable to Allocate. A staged mutation may
// free pieces the durable catalog still links; holding them keeps its own
// allocations, and so its device writes, off those pieces until the
// mutation is published.
//
// An Allocator is not safe for concurrent use. The mount session owns one
// live allocator and mutates a Clone under its partition lock.
package alloc

import (
	"fmt"
	"math/bits"
	"slices"
)

// NoPiece terminates a chain and marks an empty one.
const NoPiece = ^uint64(0)

// Allocator tracks piece ownership for one partition.
type Allocator struct {
	pieceCount uint64
	pieceBytes uint64
	bitmap     []byte
	next       []uint64
	used       uint64

	// held marks pieces freed while holding; nil when not holding.
	held      []byte
	heldCount uint64
}

// New returns an allocator with every piece free.
func New(pieceCount, pieceBytes uint64) *Allocator {
	a := &Allocator{
		pieceCount: pieceCount,
		pieceBytes: pieceBytes,
		bitmap:     make([]byte, BitmapBytes(pieceCount)),
		next:       make([]uint64, pieceCount),
	}
	for i := range a.next {
		a.next[i] = NoPiece
	}
	return a
}

// BitmapBytes returns the bitmap length for pieceCount pieces.
func BitmapBytes(pieceCount uint64) uint64 {
	return (pieceCount + 7) / 8
}

// PieceCount returns the number of pieces managed.
func (a *Allocator) PieceCount() uint64 { return a.pieceCount }

// PieceBytes returns the size of one piece.
func (a *Allocator) PieceBytes() uint64 { return a.pieceBytes }

// UsedPieces returns the number of allocated pieces.
func (a *Allocator) UsedPieces() uint64 { return a.used }

// FreePieces returns the number of free pieces.
func (a *Allocator) FreePieces() uint64 { return a.pieceCount - a.used }

// AvailablePieces returns the number of pieces Allocate can hand out: free
// pieces minus held ones.
func (a *Allocator) AvailablePieces() uint64 {
	free := a.FreePieces()
	if a.heldCount > free {
		return 0
	}
	return free - a.heldCount
}

// HeldPieces returns the number of pieces freed since Hold.
func (a *Allocator) HeldPieces() uint64 { return a.heldCount }

// Hold starts deferring frees. Pieces freed from now on are not reused
// until Release. Calling Hold while holding keeps the current held set.
func (a *Allocator) Hold() {
	if a.held == nil {
		a.held = make([]byte, len(a.bitmap))
		a.heldCount = 0
	}
}

// Release makes held pieces allocatable and stops holding.
func (a *Allocator) Release() {
	a.held = nil
	a.heldCount = 0
}

// taken reports whether p is used or held.
func (a *Allocator) taken(p uint64) bool {
	if a.IsUsed(p) {
		return true
	}
	return a.held != nil && a.held[p/8]&(1<<(p%8)) != 0
}

// PiecesFor returns how many pieces hold n bytes.
func (a *Allocator) PiecesFor(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	return (n-1)/a.pieceBytes + 1
}

// IsUsed reports whether piece p is allocated. Out-of-range pieces are free.
func (a *Allocator) IsUsed(p uint64) bool {
	if p >= a.pieceCount {
		return false
	}
	return a.bitmap[p/8]&(1<<(p%8)) != 0
}

func (a *Allocator) set(p uint64) {
	a.bitmap[p/8] |= 1 << (p % 8)
}

func (a *Allocator) clear(p uint64) {
	a.bitmap[p/8] &^= 1 << (p % 8)
}

// Load replaces the bitmap with an on-disk copy.
//
// The next-piece table is not touched; callers restore it from the catalog
// with LoadNext.
//
// Returns:
//   - ErrBitmapSizeMismatch if len(bitmap) != BitmapBytes(piece count)
//   - ErrCorruptBitmap if any padding bit past the piece count is set
func (a *Allocator) Load(bitmap []byte) error {
	if uint64(len(bitmap)) != BitmapBytes(a.pieceCount) {
		return fmt.Errorf("got %d bytes for %d pieces: %w", len(bitmap), a.pieceCount, ErrBitmapSizeMismatch)
	}

	if tail := a.pieceCount % 8; tail != 0 {
		if bitmap[len(bitmap)-1]>>tail != 0 {
			return fmt.Errorf("padding bits set in final byte %08b: %w", bitmap[len(bitmap)-1], ErrCorruptBitmap)
		}
	}

	copy(a.bitmap, bitmap)
	a.used = popcount(a.bitmap)
	return nil
}

// Bitmap returns a copy of the encoded bitmap.
func (a *Allocator) Bitmap() []byte {
	return slices.Clone(a.bitmap)
}

// UnionBitmap returns the bitwise OR of a's and other's bitmaps.
//
// The session writes this before linking new chains so pieces allocated by
// a pending mutation are durable as used, while pieces it releases stay
// marked until the commit point.
func (a *Allocator) UnionBitmap(other *Allocator) []byte {
	out := a.Bitmap()
	for i := range out {
		out[i] |= other.bitmap[i]
	}
	return out
}

// RecomputeFreeSpace walks the bitmap and returns the free bytes.
//
// The result is authoritative: it also resynchronizes the cached used count.
func (a *Allocator) RecomputeFreeSpace() uint64 {
	a.used = popcount(a.bitmap)
	return (a.pieceCount - a.used) * a.pieceBytes
}

func popcount(bitmap []byte) uint64 {
	var n int
	for _, b := range bitmap {
		n += bits.OnesCount8(b)
	}
	return uint64(n)
}

// Allocate reserves enough pieces for n bytes and links them into a chain.
//
// Zero bytes yields an empty chain. On ErrOutOfSpace nothing changes.
// Held pieces are never handed out.
func (a *Allocator) Allocate(n uint64) ([]uint64, error) {
	return a.AllocatePieces(a.PiecesFor(n))
}

// AllocatePieces reserves count pieces and links them into a chain.
func (a *Allocator) AllocatePieces(count uint64) ([]uint64, error) {
	if count == 0 {
		return nil, nil
	}
	if avail := a.AvailablePieces(); count > avail {
		return nil, fmt.Errorf("need %d pieces, %d free: %w", count, avail, ErrOutOfSpace)
	}

	chain, ok := a.findRun(count)
	if !ok {
		chain = a.lowestFree(count)
	}

	for i, p := range chain {
		a.set(p)
		if i+1 < len(chain) {
			a.next[p] = chain[i+1]
		} else {
			a.next[p] = NoPiece
		}
	}
	a.used += count

	return chain, nil
}

// findRun returns the lowest run of count contiguous free pieces.
func (a *Allocator) findRun(count uint64) ([]uint64, bool) {
	var start, length uint64
	for p := uint64(0); p < a.pieceCount; p++ {
		// Skip fully taken bytes.
		if p%8 == 0 && a.takenByte(p/8) == 0xFF {
			length = 0
			p += 7
			continue
		}

		if a.taken(p) {
			length = 0
			continue
		}
		if length == 0 {
			start = p
		}
		length++

		if length == count {
			chain := make([]uint64, count)
			for i := range chain {
				chain[i] = start + uint64(i)
			}
			return chain, true
		}
	}
	return nil, false
}

// lowestFree returns the count lowest free pieces. The caller has checked
// that enough exist.
func (a *Allocator) lowestFree(count uint64) []uint64 {
	chain := make([]uint64, 0, count)
	for p := uint64(0); p < a.pieceCount && uint64(len(chain)) < count; p++ {
		if !a.taken(p) {
			chain = append(chain, p)
		}
	}
	return chain
}

func (a *Allocator) takenByte(i uint64) byte {
	if a.held == nil {
		return a.bitmap[i]
	}
	return a.bitmap[i] | a.held[i]
}

// Free releases every piece in chain.
//
// The whole chain is validated first: on ErrPieceOutOfRange or
// ErrPieceNotAllocated no bit changes. While holding, the freed pieces are
// held until Release.
func (a *Allocator) Free(chain []uint64) error {
	seen := make(map[uint64]struct{}, len(chain))
	for _, p := range chain {
		if p >= a.pieceCount {
			return fmt.Errorf("piece %d of %d: %w", p, a.pieceCount, ErrPieceOutOfRange)
		}
		if !a.IsUsed(p) {
			return fmt.Errorf("piece %d: %w", p, ErrPieceNotAllocated)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("piece %d listed twice: %w", p, ErrPieceNotAllocated)
		}
		seen[p] = struct{}{}
	}

	for _, p := range chain {
		a.clear(p)
		a.next[p] = NoPiece
		if a.held != nil {
			a.held[p/8] |= 1 << (p % 8)
		}
	}
	a.used -= uint64(len(chain))
	if a.held != nil {
		a.heldCount += uint64(len(chain))
	}

	return nil
}

// Append links chain after tail. tail must be an allocated piece.
func (a *Allocator) Append(tail uint64, chain []uint64) error {
	if len(chain) == 0 {
		return nil
	}
	if tail >= a.pieceCount {
		return fmt.Errorf("tail %d: %w", tail, ErrPieceOutOfRange)
	}
	if !a.IsUsed(tail) {
		return fmt.Errorf("tail %d: %w", tail, ErrPieceNotAllocated)
	}
	a.next[tail] = chain[0]
	return nil
}

// Link chains the given pieces in order, terminating the last one.
//
// It only rewrites the next table; ownership bits are not checked. Mount
// uses it to restore chains recorded outside the next-piece pairs.
func (a *Allocator) Link(chain []uint64) error {
	for _, p := range chain {
		if p >= a.pieceCount {
			return fmt.Errorf("piece %d of %d: %w", p, a.pieceCount, ErrPieceOutOfRange)
		}
	}
	for i, p := range chain {
		if i+1 < len(chain) {
			a.next[p] = chain[i+1]
		} else {
			a.next[p] = NoPiece
		}
	}
	return nil
}

// Next returns the piece following p, or NoPiece.
func (a *Allocator) Next(p uint64) uint64 {
	if p >= a.pieceCount {
		return NoPiece
	}
	return a.next[p]
}

// Chain walks the next table from head and returns the pieces in order.
//
// NoPiece yields an empty chain. A cycle or out-of-range link returns
// ErrCorruptChain.
func (a *Allocator) Chain(head uint64) ([]uint64, error) {
	var chain []uint64
	for p := head; p != NoPiece; p = a.next[p] {
		if p >= a.pieceCount {
			return nil, fmt.Errorf("link to piece %d of %d: %w", p, a.pieceCount, ErrCorruptChain)
		}
		if uint64(len(chain)) >= a.pieceCount {
			return nil, fmt.Errorf("cycle reachable from piece %d: %w", head, ErrCorruptChain)
		}
		chain = append(chain, p)
	}
	return chain, nil
}

// SplitAfter cuts chain after its first keep pieces.
//
// The kept prefix is terminated; the released suffix is returned for the
// caller to Free. keep >= len(chain) releases nothing.
func (a *Allocator) SplitAfter(chain []uint64, keep int) (kept, released []uint64) {
	if keep >= len(chain) {
		return chain, nil
	}
	if keep > 0 {
		a.next[chain[keep-1]] = NoPiece
	}
	return chain[:keep], chain[keep:]
}

// Rebuild rederives the bitmap from the chains owned by the tree.
//
// The next table is relinked from the chain order and any held set is
// dropped. A piece out of range or claimed twice fails the rebuild and
// leaves the allocator unchanged.
func (a *Allocator) Rebuild(chains [][]uint64) error {
	bitmap := make([]byte, len(a.bitmap))
	next := make([]uint64, a.pieceCount)
	for i := range next {
		next[i] = NoPiece
	}

	var used uint64
	for _, chain := range chains {
		for i, p := range chain {
			if p >= a.pieceCount {
				return fmt.Errorf("piece %d of %d: %w", p, a.pieceCount, ErrPieceOutOfRange)
			}
			if bitmap[p/8]&(1<<(p%8)) != 0 {
				return fmt.Errorf("piece %d: %w", p, ErrDoubleOwned)
			}
			bitmap[p/8] |= 1 << (p % 8)
			if i+1 < len(chain) {
				next[p] = chain[i+1]
			}
			used++
		}
	}

	a.bitmap = bitmap
	a.next = next
	a.used = used
	a.Release()
	return nil
}

// Diff compares a against want and returns the pieces a marks used that
// want does not (leaked) and those want marks used that a does not
// (missing).
func (a *Allocator) Diff(want *Allocator) (leaked, missing []uint64) {
	for p := uint64(0); p < a.pieceCount; p++ {
		have, need := a.IsUsed(p), want.IsUsed(p)
		switch {
		case have && !need:
			leaked = append(leaked, p)
		case need && !have:
			missing = append(missing, p)
		}
	}
	return leaked, missing
}

// Clone returns an independent copy.
func (a *Allocator) Clone() *Allocator {
	return &Allocator{
		pieceCount: a.pieceCount,
		pieceBytes: a.pieceBytes,
		bitmap:     slices.Clone(a.bitmap),
		next:       slices.Clone(a.next),
		used:       a.used,
		held:       slices.Clone(a.held),
		heldCount:  a.heldCount,
	}
}

// NextPair is one link of the next-piece table.
type NextPair struct {
	Piece uint64
	Next  uint64
}

// NextPairs returns every link whose next is not NoPiece, in piece order.
func (a *Allocator) NextPairs() []NextPair {
	var pairs []NextPair
	for p, n := range a.next {
		if n != NoPiece {
			pairs = append(pairs, NextPair{Piece: uint64(p), Next: n})
		}
	}
	return pairs
}

// LoadNext resets the next table to the given links.
func (a *Allocator) LoadNext(pairs []NextPair) error {
	next := make([]uint64, a.pieceCount)
	for i := range next {
		next[i] = NoPiece
	}
	for _, pair := range pairs {
		if pair.Piece >= a.pieceCount || pair.Next >= a.pieceCount {
			return fmt.Errorf("link %d -> %d of %d pieces: %w", pair.Piece, pair.Next, a.pieceCount, ErrCorruptChain)
		}
		next[pair.Piece] = pair.Next
	}
	a.next = next
	return nil
}
