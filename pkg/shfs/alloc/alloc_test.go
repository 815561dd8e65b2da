package alloc

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPieceBytes = 1 << 20

func mustAllocate(t *testing.T, a *Allocator, n uint64) []uint64 {
	t.Helper()
	chain, err := a.Allocate(n)
	require.NoError(t, err)
	return chain
}

func TestAllocate_ContiguousFirstFit(t *testing.T) {
	a := New(16, testPieceBytes)

	chain := mustAllocate(t, a, 3*testPieceBytes)
	assert.Equal(t, []uint64{0, 1, 2}, chain)

	chain = mustAllocate(t, a, 1)
	assert.Equal(t, []uint64{3}, chain)

	got, err := a.Chain(0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1, 2}, got)
}

func TestAllocate_ReusesLowestHole(t *testing.T) {
	a := New(16, testPieceBytes)
	first := mustAllocate(t, a, 2*testPieceBytes)
	mustAllocate(t, a, 2*testPieceBytes)

	require.NoError(t, a.Free(first))
	assert.Equal(t, []uint64{0, 1}, mustAllocate(t, a, 2*testPieceBytes))
}

func TestAllocate_FragmentedFallback(t *testing.T) {
	a := New(8, testPieceBytes)
	all := mustAllocate(t, a, 8*testPieceBytes)

	// Free every other piece: no run of 2 exists.
	require.NoError(t, a.Free([]uint64{all[1]}))
	require.NoError(t, a.Free([]uint64{all[4]}))
	require.NoError(t, a.Free([]uint64{all[6]}))

	chain := mustAllocate(t, a, 3*testPieceBytes)
	assert.Equal(t, []uint64{1, 4, 6}, chain)

	got, err := a.Chain(1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 4, 6}, got)
	assert.Equal(t, NoPiece, a.Next(6))
}

func TestAllocate_ZeroBytes(t *testing.T) {
	a := New(4, testPieceBytes)
	chain, err := a.Allocate(0)
	require.NoError(t, err)
	assert.Empty(t, chain)
	assert.Equal(t, uint64(4*testPieceBytes), a.RecomputeFreeSpace())
}

func TestAllocate_PartialPieceRoundsUp(t *testing.T) {
	a := New(4, testPieceBytes)
	assert.Len(t, mustAllocate(t, a, testPieceBytes+1), 2)
}

func TestAllocate_OutOfSpaceChangesNothing(t *testing.T) {
	a := New(4, testPieceBytes)
	mustAllocate(t, a, testPieceBytes)
	before := a.Bitmap()

	_, err := a.Allocate(4 * testPieceBytes)
	assert.ErrorIs(t, err, ErrOutOfSpace)
	assert.Equal(t, before, a.Bitmap())
	assert.Equal(t, uint64(3), a.FreePieces())
}

// allocate(n) succeeds iff n <= RecomputeFreeSpace().
func TestAllocate_SucceedsIffSpace(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	a := New(32, testPieceBytes)

	var chains [][]uint64
	for range 500 {
		if len(chains) > 0 && rng.IntN(3) == 0 {
			i := rng.IntN(len(chains))
			require.NoError(t, a.Free(chains[i]))
			chains = append(chains[:i], chains[i+1:]...)
			continue
		}

		n := rng.Uint64N(8*testPieceBytes + 1)
		free := a.RecomputeFreeSpace()
		fits := a.PiecesFor(n)*testPieceBytes <= free

		chain, err := a.Allocate(n)
		if fits {
			require.NoError(t, err, "n=%d free=%d", n, free)
			chains = append(chains, chain)
		} else {
			require.ErrorIs(t, err, ErrOutOfSpace, "n=%d free=%d", n, free)
		}
	}
}

// Allocate followed by Free restores the free space.
func TestAllocateFree_RestoresFreeSpace(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	a := New(64, testPieceBytes)
	mustAllocate(t, a, 5*testPieceBytes)
	initial := a.RecomputeFreeSpace()

	var chains [][]uint64
	for range 40 {
		chain, err := a.Allocate(rng.Uint64N(4*testPieceBytes) + 1)
		if err != nil {
			break
		}
		chains = append(chains, chain)
	}
	rng.Shuffle(len(chains), func(i, j int) { chains[i], chains[j] = chains[j], chains[i] })
	for _, chain := range chains {
		require.NoError(t, a.Free(chain))
	}

	assert.Equal(t, initial, a.RecomputeFreeSpace())
}

func TestFree_Validation(t *testing.T) {
	a := New(8, testPieceBytes)
	chain := mustAllocate(t, a, 2*testPieceBytes)
	before := a.Bitmap()

	err := a.Free([]uint64{chain[0], 8})
	assert.ErrorIs(t, err, ErrPieceOutOfRange)
	assert.Equal(t, before, a.Bitmap())

	err = a.Free([]uint64{chain[0], 5})
	assert.ErrorIs(t, err, ErrPieceNotAllocated)
	assert.Equal(t, before, a.Bitmap())

	err = a.Free([]uint64{chain[0], chain[0]})
	assert.ErrorIs(t, err, ErrPieceNotAllocated)

	require.NoError(t, a.Free(chain))
	assert.ErrorIs(t, a.Free(chain), ErrPieceNotAllocated)
}

func TestLoad(t *testing.T) {
	a := New(10, testPieceBytes)

	assert.ErrorIs(t, a.Load([]byte{0}), ErrBitmapSizeMismatch)
	assert.ErrorIs(t, a.Load([]byte{0, 0, 0}), ErrBitmapSizeMismatch)
	assert.ErrorIs(t, a.Load([]byte{0, 0x04}), ErrCorruptBitmap)

	require.NoError(t, a.Load([]byte{0x05, 0x02}))
	assert.True(t, a.IsUsed(0))
	assert.False(t, a.IsUsed(1))
	assert.True(t, a.IsUsed(2))
	assert.True(t, a.IsUsed(9))
	assert.Equal(t, uint64(7*testPieceBytes), a.RecomputeFreeSpace())
}

func TestBitmap_LSBFirst(t *testing.T) {
	a := New(12, testPieceBytes)
	_, err := a.AllocatePieces(9)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0x01}, a.Bitmap())
}

func TestChain_Corruption(t *testing.T) {
	a := New(4, testPieceBytes)
	require.NoError(t, a.LoadNext([]NextPair{{0, 1}, {1, 2}, {2, 0}}))

	_, err := a.Chain(0)
	assert.ErrorIs(t, err, ErrCorruptChain)

	_, err = a.Chain(7)
	assert.ErrorIs(t, err, ErrCorruptChain)

	assert.ErrorIs(t, a.LoadNext([]NextPair{{0, 9}}), ErrCorruptChain)

	chain, err := a.Chain(NoPiece)
	require.NoError(t, err)
	assert.Empty(t, chain)
}

func TestAppendAndSplit(t *testing.T) {
	a := New(8, testPieceBytes)
	head := mustAllocate(t, a, 2*testPieceBytes)
	tail := mustAllocate(t, a, 2*testPieceBytes)

	require.NoError(t, a.Append(head[len(head)-1], tail))
	full, err := a.Chain(head[0])
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1, 2, 3}, full)

	kept, released := a.SplitAfter(full, 1)
	assert.Equal(t, []uint64{0}, kept)
	assert.Equal(t, []uint64{1, 2, 3}, released)
	require.NoError(t, a.Free(released))

	got, err := a.Chain(0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0}, got)
	assert.Equal(t, uint64(7), a.FreePieces())

	assert.ErrorIs(t, a.Append(5, []uint64{6}), ErrPieceNotAllocated)
}

func TestRebuild(t *testing.T) {
	a := New(16, testPieceBytes)
	require.NoError(t, a.Load([]byte{0xFF, 0xFF}))

	require.NoError(t, a.Rebuild([][]uint64{{3, 9, 4}, {0}}))
	assert.Equal(t, uint64(12*testPieceBytes), a.RecomputeFreeSpace())

	chain, err := a.Chain(3)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 9, 4}, chain)

	before := a.Bitmap()
	assert.ErrorIs(t, a.Rebuild([][]uint64{{1, 2}, {2}}), ErrDoubleOwned)
	assert.ErrorIs(t, a.Rebuild([][]uint64{{16}}), ErrPieceOutOfRange)
	assert.Equal(t, before, a.Bitmap())
}

func TestDiff(t *testing.T) {
	have := New(8, testPieceBytes)
	require.NoError(t, have.Load([]byte{0b0000_0111}))
	want := New(8, testPieceBytes)
	require.NoError(t, want.Load([]byte{0b0001_0011}))

	leaked, missing := have.Diff(want)
	assert.Equal(t, []uint64{2}, leaked)
	assert.Equal(t, []uint64{4}, missing)
}

func TestCloneIsIndependent(t *testing.T) {
	a := New(8, testPieceBytes)
	mustAllocate(t, a, testPieceBytes)

	c := a.Clone()
	mustAllocate(t, c, testPieceBytes)

	assert.Equal(t, uint64(1), a.UsedPieces())
	assert.Equal(t, uint64(2), c.UsedPieces())
	assert.Equal(t, []byte{0x03}, a.UnionBitmap(c))
}

func TestNextPairs_RoundTrip(t *testing.T) {
	a := New(8, testPieceBytes)
	require.NoError(t, a.Load([]byte{0xFF}))
	require.NoError(t, a.LoadNext([]NextPair{{0, 5}, {5, 2}, {3, 4}}))

	b := New(8, testPieceBytes)
	require.NoError(t, b.LoadNext(a.NextPairs()))

	chain, err := b.Chain(0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 5, 2}, chain)
}

func TestLink(t *testing.T) {
	a := New(8, testPieceBytes)
	require.NoError(t, a.Link([]uint64{6, 2, 7}))

	chain, err := a.Chain(6)
	require.NoError(t, err)
	assert.Equal(t, []uint64{6, 2, 7}, chain)

	assert.ErrorIs(t, a.Link([]uint64{1, 8}), ErrPieceOutOfRange)
	assert.Equal(t, NoPiece, a.Next(1))
}

func TestHold_FreedPiecesNotReused(t *testing.T) {
	a := New(8, testPieceBytes)
	first := mustAllocate(t, a, 2*testPieceBytes)
	mustAllocate(t, a, testPieceBytes)

	a.Hold()
	require.NoError(t, a.Free(first))

	// Freed, but held: the bitmap shows them free, Allocate skips them.
	assert.Equal(t, uint64(7), a.FreePieces())
	assert.Equal(t, uint64(2), a.HeldPieces())
	assert.Equal(t, uint64(5), a.AvailablePieces())
	assert.False(t, a.IsUsed(0))
	assert.Equal(t, []uint64{3, 4}, mustAllocate(t, a, 2*testPieceBytes))

	// Only the fragmented tail is left.
	_, err := a.Allocate(4 * testPieceBytes)
	assert.ErrorIs(t, err, ErrOutOfSpace)
	assert.Equal(t, []uint64{5, 6, 7}, mustAllocate(t, a, 3*testPieceBytes))

	a.Release()
	assert.Zero(t, a.HeldPieces())
	assert.Equal(t, []uint64{0, 1}, mustAllocate(t, a, 2*testPieceBytes))
}

func TestHold_CloneCarriesHeldSet(t *testing.T) {
	a := New(8, testPieceBytes)
	chain := mustAllocate(t, a, testPieceBytes)

	a.Hold()
	require.NoError(t, a.Free(chain))

	c := a.Clone()
	assert.Equal(t, []uint64{1}, mustAllocate(t, c, testPieceBytes))

	c.Release()
	assert.Equal(t, uint64(1), a.HeldPieces())
	assert.Equal(t, []uint64{0}, mustAllocate(t, c, testPieceBytes))
}

func TestHold_RebuildDropsHeldSet(t *testing.T) {
	a := New(8, testPieceBytes)
	chain := mustAllocate(t, a, testPieceBytes)

	a.Hold()
	require.NoError(t, a.Free(chain))
	require.NoError(t, a.Rebuild(nil))

	assert.Zero(t, a.HeldPieces())
	assert.Equal(t, uint64(8), a.AvailablePieces())
}
