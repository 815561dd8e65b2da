package shfs

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/shfs/pkg/blockdev"
	"github.com/marmos91/shfs/pkg/blockdev/memory"
	devtesting "github.com/marmos91/shfs/pkg/blockdev/testing"
	"github.com/marmos91/shfs/pkg/shfs/alloc"
	"github.com/marmos91/shfs/pkg/shfs/header"
	"github.com/marmos91/shfs/pkg/shfs/layout"
	"github.com/marmos91/shfs/pkg/shfs/nameindex"
	"github.com/marmos91/shfs/pkg/shfs/tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mib = header.MiB

// newDevice returns a memory device sized for pieces 1 MiB pieces with the
// default 16-bucket index.
func newDevice(pieces uint64) *memory.Device {
	end := layout.IndexEndFor(pieces, DefaultBucketCount(pieces), DefaultBucketCapacity)
	return memory.New(int64(end + pieces*mib))
}

func formatDevice(t *testing.T, dev blockdev.Device, pieces uint64) header.Header {
	t.Helper()
	h, err := Format(context.Background(), dev, FormatOptions{
		Name:         "test",
		PieceSizeMiB: 1,
		PieceCount:   pieces,
	})
	require.NoError(t, err)
	return h
}

func mountSession(t *testing.T, dev blockdev.Device, opts Options) *Session {
	t.Helper()
	s := New("test", dev, opts)
	require.NoError(t, s.Mount(context.Background()))
	return s
}

// newSession formats a 16-piece partition and mounts it.
func newSession(t *testing.T) (*memory.Device, *Session) {
	t.Helper()
	dev := newDevice(16)
	formatDevice(t, dev, 16)
	return dev, mountSession(t, dev, Options{})
}

func freeSpace(t *testing.T, s *Session) uint64 {
	t.Helper()
	free, err := s.FreeSpace()
	require.NoError(t, err)
	return free
}

func TestFormatMount_Empty(t *testing.T) {
	_, s := newSession(t)

	h, err := s.Header()
	require.NoError(t, err)
	assert.Equal(t, "test", h.NameString())
	assert.Equal(t, uint64(16), h.PieceCount)

	// One piece holds the catalog.
	assert.Equal(t, uint64(15*mib), h.FreeSpace)
	assert.Equal(t, StateMounted, s.State())

	names, err := s.List(context.Background(), "/")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestEndToEnd_SillyCat(t *testing.T) {
	ctx := context.Background()
	_, s := newSession(t)

	before := freeSpace(t, s)

	require.NoError(t, s.Mkdir(ctx, "/dir1"))
	require.NoError(t, s.Create(ctx, "/dir1/silly_cat.gif"))
	require.NoError(t, s.Truncate(ctx, "/dir1/silly_cat.gif", 3*mib))

	e, err := s.Stat(ctx, "/dir1/silly_cat.gif")
	require.NoError(t, err)
	assert.Equal(t, uint64(3*mib), e.Size)
	assert.Equal(t, uint64(3), e.Pieces)
	assert.Equal(t, before-3*mib, freeSpace(t, s))

	assert.Equal(t, "silly_cat.gif", nameindex.Key("silly_cat.gif", 12))
	matches, err := s.Lookup(ctx, "silly_cat.gif")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "/dir1/silly_cat.gif", matches[0].Path)

	require.NoError(t, s.Delete(ctx, "/dir1/silly_cat.gif"))
	assert.Equal(t, before, freeSpace(t, s))

	matches, err = s.Lookup(ctx, "silly_cat.gif")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestReadWrite(t *testing.T) {
	ctx := context.Background()
	_, s := newSession(t)

	require.NoError(t, s.Create(ctx, "/f"))
	n, err := s.Write(ctx, "/f", 10, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	data, err := s.ReadFile(ctx, "/f")
	require.NoError(t, err)
	assert.Equal(t, append(make([]byte, 10), "hello"...), data)

	buf := make([]byte, 100)
	n, err = s.Read(ctx, "/f", 12, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("llo"), buf[:n])

	n, err = s.Read(ctx, "/f", 1000, buf)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWriteFile_SpansPieces(t *testing.T) {
	ctx := context.Background()
	_, s := newSession(t)

	data := bytes.Repeat([]byte("0123456789abcdef"), (2*mib+512)/16)
	require.NoError(t, s.WriteFile(ctx, "/big", data))

	got, err := s.ReadFile(ctx, "/big")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Replacing shrinks the chain.
	require.NoError(t, s.WriteFile(ctx, "/big", []byte("small")))
	e, err := s.Stat(ctx, "/big")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Pieces)
	assert.Equal(t, uint64(14*mib), freeSpace(t, s))
}

func TestRemount_Persists(t *testing.T) {
	ctx := context.Background()
	dev, s := newSession(t)

	require.NoError(t, s.Mkdir(ctx, "/docs"))
	require.NoError(t, s.WriteFile(ctx, "/docs/readme.txt", []byte("SHFS!")))
	require.NoError(t, s.Unmount(ctx))
	assert.Equal(t, StateUnmounted, s.State())

	s2 := mountSession(t, dev, Options{})
	data, err := s2.ReadFile(ctx, "/docs/readme.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("SHFS!"), data)

	matches, err := s2.Lookup(ctx, "readme.txt")
	require.NoError(t, err)
	require.Len(t, matches, 1)

	info, err := s2.Info()
	require.NoError(t, err)
	assert.False(t, info.IndexStale)
	assert.Equal(t, 2, info.IndexedPaths)
}

func TestRemount_WithoutUnmount(t *testing.T) {
	ctx := context.Background()
	dev, s := newSession(t)

	require.NoError(t, s.WriteFile(ctx, "/a", []byte("committed")))

	// Every commit is durable without an unmount.
	s2 := mountSession(t, dev, Options{})
	data, err := s2.ReadFile(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("committed"), data)
}

func TestMount_ReplacesStaleFreeSpace(t *testing.T) {
	ctx := context.Background()
	dev := newDevice(16)
	h := formatDevice(t, dev, 16)

	h.FreeSpace = 12345
	raw := header.Encode(h)
	require.NoError(t, dev.WriteAt(ctx, raw[:], 0))

	s := mountSession(t, dev, Options{})
	got, err := s.Header()
	require.NoError(t, err)
	assert.Equal(t, uint64(15*mib), got.FreeSpace)

	buf := make([]byte, header.Size)
	require.NoError(t, dev.ReadAt(ctx, buf, 0))
	onDisk, err := header.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(15*mib), onDisk.FreeSpace)
}

func TestMount_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("BlankDevice", func(t *testing.T) {
		s := New("blank", memory.New(1<<20), Options{})
		err := s.Mount(ctx)

		var mountErr *MountError
		require.ErrorAs(t, err, &mountErr)
		assert.Equal(t, "mount", mountErr.Op)
		assert.ErrorIs(t, err, header.ErrInvalidSignature)
		assert.Equal(t, KindStructural, KindOf(err))
		assert.Equal(t, StateUnmounted, s.State())
	})

	t.Run("TinyDevice", func(t *testing.T) {
		s := New("tiny", memory.New(10), Options{})
		assert.ErrorIs(t, s.Mount(ctx), header.ErrShortHeader)
	})

	t.Run("HeaderOnSmallerDevice", func(t *testing.T) {
		dev := newDevice(16)
		formatDevice(t, dev, 16)

		meta := make([]byte, 1<<20)
		require.NoError(t, dev.ReadAt(ctx, meta, 0))
		small := memory.New(int64(len(meta)))
		require.NoError(t, small.WriteAt(ctx, meta, 0))

		s := New("small", small, Options{})
		assert.ErrorIs(t, s.Mount(ctx), header.ErrInvalidGeometry)
	})

	t.Run("CorruptDescriptor", func(t *testing.T) {
		dev := newDevice(16)
		formatDevice(t, dev, 16)
		require.NoError(t, dev.WriteAt(ctx, []byte{0xFF}, layout.DescriptorOffset+20))

		s := New("desc", dev, Options{})
		assert.ErrorIs(t, s.Mount(ctx), layout.ErrInvalidDescriptor)
	})

	t.Run("CorruptCatalog", func(t *testing.T) {
		dev := newDevice(16)
		h := formatDevice(t, dev, 16)

		// The initial catalog sits in piece 0; flip a payload byte.
		require.NoError(t, dev.WriteAt(ctx, []byte{0xFF, 0xFF}, int64(h.PieceOffset(0)+tree.BlobHeaderLen(1)+4)))

		s := New("catalog", dev, Options{})
		err := s.Mount(ctx)
		assert.ErrorIs(t, err, tree.ErrCorruptCatalog)
		assert.Equal(t, KindStructural, KindOf(err))
	})
}

func TestMount_RepairsCorruptBitmap(t *testing.T) {
	ctx := context.Background()
	dev, s := newSession(t)
	require.NoError(t, s.WriteFile(ctx, "/a", []byte("data")))
	require.NoError(t, s.Unmount(ctx))

	// Clear the bitmap: every owned piece is now missing.
	bitmapEnd := layout.IndexEndFor(16, 16, 8)
	require.NoError(t, dev.WriteAt(ctx, []byte{0, 0}, int64(bitmapEnd-2)))

	s2 := mountSession(t, dev, Options{})
	assert.Equal(t, uint64(14*mib), freeSpace(t, s2))

	report, err := s2.Scrub(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean())
}

func TestStateTransitions(t *testing.T) {
	ctx := context.Background()
	dev := newDevice(16)
	formatDevice(t, dev, 16)
	s := New("states", dev, Options{})

	err := s.Create(ctx, "/x")
	assert.ErrorIs(t, err, ErrNotMounted)
	assert.Equal(t, KindState, KindOf(err))

	err = s.Unmount(ctx)
	assert.ErrorIs(t, err, ErrNotMounted)

	require.NoError(t, s.Mount(ctx))
	assert.ErrorIs(t, s.Mount(ctx), ErrBadState)

	require.NoError(t, s.Unmount(ctx))
	_, err = s.FreeSpace()
	assert.ErrorIs(t, err, ErrNotMounted)
}

func TestUnmount_FlushFailureLeavesFailed(t *testing.T) {
	ctx := context.Background()
	dev := newDevice(16)
	formatDevice(t, dev, 16)
	faulty := devtesting.NewFaultyDevice(dev)
	s := mountSession(t, faulty, Options{})

	faulty.FailFlush()
	err := s.Unmount(ctx)
	var mountErr *MountError
	require.ErrorAs(t, err, &mountErr)
	assert.Equal(t, KindIO, KindOf(err))
	assert.Equal(t, StateFailed, s.State())

	faulty.Reset()
	require.NoError(t, s.Unmount(ctx))
	assert.Equal(t, StateUnmounted, s.State())
}

func TestCommit_FailureBeforeCommitPoint(t *testing.T) {
	// Filling an empty file with one small extent issues: data, union
	// bitmap, catalog blob, descriptor, final bitmap.
	for step, name := range []string{"Data", "UnionBitmap", "CatalogBlob"} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dev := newDevice(16)
			formatDevice(t, dev, 16)
			faulty := devtesting.NewFaultyDevice(dev)
			s := mountSession(t, faulty, Options{})

			require.NoError(t, s.WriteFile(ctx, "/a", []byte("old")))
			require.NoError(t, s.Create(ctx, "/b"))
			before := freeSpace(t, s)

			faulty.FailNthWrite(step + 1)
			err := s.WriteFile(ctx, "/b", []byte("new"))
			require.ErrorIs(t, err, devtesting.ErrInjected)
			assert.Equal(t, KindIO, KindOf(err))

			var opErr *OpError
			require.ErrorAs(t, err, &opErr)
			assert.Equal(t, "write_file", opErr.Op)
			assert.Equal(t, "/b", opErr.Path)

			// Live state untouched.
			assert.Equal(t, StateMounted, s.State())
			assert.Equal(t, before, freeSpace(t, s))
			e, err := s.Stat(ctx, "/b")
			require.NoError(t, err)
			assert.Zero(t, e.Size)

			// A crash now: the on-disk catalog is the old one.
			crashed := mountSession(t, dev, Options{})
			data, err := crashed.ReadFile(ctx, "/a")
			require.NoError(t, err)
			assert.Equal(t, []byte("old"), data)
			e, err = crashed.Stat(ctx, "/b")
			require.NoError(t, err)
			assert.Zero(t, e.Size)

			report, err := crashed.Scrub(ctx)
			require.NoError(t, err)
			assert.Empty(t, report.Missing)
			assert.Equal(t, before, freeSpace(t, crashed))
		})
	}
}

func TestCommit_DeleteNeverReusesFreedPieces(t *testing.T) {
	ctx := context.Background()
	dev := newDevice(16)
	formatDevice(t, dev, 16)
	faulty := devtesting.NewFaultyDevice(dev)
	s := mountSession(t, faulty, Options{})

	require.NoError(t, s.WriteFile(ctx, "/a", []byte("precious data")))
	require.NoError(t, s.Create(ctx, "/b"))

	// Delete issues: union bitmap, catalog blob, descriptor.
	faulty.FailNthWrite(3)
	err := s.Delete(ctx, "/a")
	require.ErrorIs(t, err, ErrSessionFailed)

	// The new catalog went to a piece the durable tree does not own.
	crashed := mountSession(t, dev, Options{})
	data, err := crashed.ReadFile(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("precious data"), data)
	_, err = crashed.Stat(ctx, "/b")
	require.NoError(t, err)

	report, err := crashed.Scrub(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Leaked, 1)
	assert.Empty(t, report.Missing)
}

func TestCommit_ReplaceWritesFreshPieces(t *testing.T) {
	ctx := context.Background()
	dev := newDevice(16)
	formatDevice(t, dev, 16)
	faulty := devtesting.NewFaultyDevice(dev)
	s := mountSession(t, faulty, Options{})

	require.NoError(t, s.WriteFile(ctx, "/a", []byte("old!")))
	require.NoError(t, s.Create(ctx, "/b"))

	// Replacing issues: data, union bitmap, catalog blob.
	faulty.FailNthWrite(3)
	err := s.WriteFile(ctx, "/a", []byte("NEW!"))
	require.ErrorIs(t, err, devtesting.ErrInjected)
	assert.Equal(t, KindIO, KindOf(err))
	assert.Equal(t, StateMounted, s.State())

	data, err := s.ReadFile(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("old!"), data)

	crashed := mountSession(t, dev, Options{})
	data, err = crashed.ReadFile(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("old!"), data)

	// After a successful replace the freed piece is reusable again.
	require.NoError(t, s.WriteFile(ctx, "/a", []byte("NEW!")))
	data, err = s.ReadFile(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("NEW!"), data)

	report, err := s.Scrub(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Missing)
}

func TestCommit_CrashLeavesOnlyLeakedPieces(t *testing.T) {
	ctx := context.Background()
	dev := newDevice(16)
	formatDevice(t, dev, 16)
	faulty := devtesting.NewFaultyDevice(dev)
	s := mountSession(t, faulty, Options{})

	require.NoError(t, s.Create(ctx, "/a"))
	before := freeSpace(t, s)

	// Fail the catalog blob: data and union bitmap already landed.
	faulty.FailNthWrite(3)
	_, err := s.Write(ctx, "/a", 0, []byte("lost"))
	require.Error(t, err)

	crashed := mountSession(t, dev, Options{})
	// The data piece and the new catalog piece are marked but unlinked.
	assert.Equal(t, before-2*mib, freeSpace(t, crashed))

	report, err := crashed.Scrub(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Leaked, 2)
	assert.Empty(t, report.Missing)
	assert.Equal(t, before, report.FreeAfter)
	assert.Equal(t, before, freeSpace(t, crashed))
}

func TestCommit_DescriptorFailureFailsSession(t *testing.T) {
	ctx := context.Background()
	dev := newDevice(16)
	formatDevice(t, dev, 16)
	faulty := devtesting.NewFaultyDevice(dev)
	s := mountSession(t, faulty, Options{})

	// Create issues: union bitmap, catalog blob, descriptor.
	faulty.FailNthWrite(3)
	err := s.Create(ctx, "/a")
	require.ErrorIs(t, err, ErrSessionFailed)
	assert.Equal(t, StateFailed, s.State())

	_, err = s.Stat(ctx, "/")
	assert.ErrorIs(t, err, ErrSessionFailed)

	require.NoError(t, s.Unmount(ctx))
	s2 := mountSession(t, faulty, Options{})
	_, err = s2.Stat(ctx, "/a")
	assert.ErrorIs(t, err, tree.ErrNotFound)
}

func TestCommit_FailureAfterCommitPoint(t *testing.T) {
	ctx := context.Background()
	dev := newDevice(16)
	formatDevice(t, dev, 16)
	faulty := devtesting.NewFaultyDevice(dev)
	s := mountSession(t, faulty, Options{})

	// Create issues: union bitmap, catalog blob, descriptor, final bitmap.
	faulty.FailNthWrite(4)
	require.NoError(t, s.Create(ctx, "/a"))
	assert.Equal(t, StateMounted, s.State())

	_, err := s.Stat(ctx, "/a")
	require.NoError(t, err)

	crashed := mountSession(t, dev, Options{})
	_, err = crashed.Stat(ctx, "/a")
	require.NoError(t, err)
	matches, err := crashed.Lookup(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	// The next commit rewrites the deferred metadata.
	require.NoError(t, s.Create(ctx, "/b"))
	require.NoError(t, s.Unmount(ctx))
	s2 := mountSession(t, dev, Options{})
	report, err := s2.Scrub(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean())
}

func TestCancelledContext(t *testing.T) {
	_, s := newSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Create(ctx, "/a")
	assert.ErrorIs(t, err, context.Canceled)

	_, err = s.Stat(context.Background(), "/a")
	assert.ErrorIs(t, err, tree.ErrNotFound)
}

func TestOutOfSpace(t *testing.T) {
	ctx := context.Background()
	_, s := newSession(t)
	require.NoError(t, s.Create(ctx, "/a"))

	before := freeSpace(t, s)
	err := s.Truncate(ctx, "/a", 100*mib)
	assert.Equal(t, KindCapacity, KindOf(err))
	assert.Equal(t, before, freeSpace(t, s))

	// Space for the data but not for a new catalog chain.
	err = s.Truncate(ctx, "/a", before)
	assert.Equal(t, KindCapacity, KindOf(err))

	info, err := s.Info()
	require.NoError(t, err)
	assert.Equal(t, before-mib, info.UsableBytes)

	// The old catalog piece is released after the new one is written.
	require.NoError(t, s.Truncate(ctx, "/a", info.UsableBytes))
	assert.Equal(t, uint64(mib), freeSpace(t, s))

	info, err = s.Info()
	require.NoError(t, err)
	assert.Zero(t, info.UsableBytes)
}

func TestOutOfSpace_WritesNothing(t *testing.T) {
	ctx := context.Background()
	dev, s := newSession(t)

	old := bytes.Repeat([]byte{'A'}, 14*mib)
	require.NoError(t, s.WriteFile(ctx, "/a", old))
	require.Equal(t, uint64(mib), freeSpace(t, s))

	// The data fits in the last piece; the new catalog does not.
	_, err := s.Write(ctx, "/a", 0, bytes.Repeat([]byte{'B'}, 14*mib+1))
	assert.ErrorIs(t, err, alloc.ErrOutOfSpace)
	assert.Equal(t, KindCapacity, KindOf(err))
	assert.Equal(t, StateMounted, s.State())

	got, err := s.ReadFile(ctx, "/a")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(old, got), "committed data overwritten")
	assert.Equal(t, uint64(mib), freeSpace(t, s))

	crashed := mountSession(t, dev, Options{})
	got, err = crashed.ReadFile(ctx, "/a")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(old, got), "committed data overwritten on disk")
}

func TestLookup_OverflowFallsBackToScan(t *testing.T) {
	ctx := context.Background()
	dev := newDevice(16)
	_, err := Format(ctx, dev, FormatOptions{Name: "tiny", PieceSizeMiB: 1, PieceCount: 16, BucketCapacity: 1})
	require.NoError(t, err)

	metrics := &recordingMetrics{}
	s := mountSession(t, dev, Options{Metrics: metrics})

	for _, dir := range []string{"/d1", "/d2", "/d3"} {
		require.NoError(t, s.Mkdir(ctx, dir))
		require.NoError(t, s.Create(ctx, dir+"/x"))
	}
	assert.Positive(t, metrics.overflows())

	matches, err := s.Lookup(ctx, "x")
	require.NoError(t, err)
	assert.Len(t, matches, 3)

	require.NoError(t, s.Unmount(ctx))
	s2 := mountSession(t, dev, Options{})
	matches, err = s2.Lookup(ctx, "x")
	require.NoError(t, err)
	assert.Len(t, matches, 3)
}

// dirsOutsideBucket returns n directory names whose keys land in distinct
// buckets, none of them the bucket of name.
func dirsOutsideBucket(n int, name string, bucketCount uint32) []string {
	bucketOf := func(base string) uint64 {
		return nameindex.HashKey(nameindex.Key(base, nameindex.DefaultKeyLength)) % uint64(bucketCount)
	}
	taken := map[uint64]bool{bucketOf(name): true}
	var dirs []string
	for i := 0; len(dirs) < n; i++ {
		base := fmt.Sprintf("d%d", i)
		if b := bucketOf(base); !taken[b] {
			taken[b] = true
			dirs = append(dirs, "/"+base)
		}
	}
	return dirs
}

func TestLookup_RejectPolicy(t *testing.T) {
	ctx := context.Background()
	dev := newDevice(16)
	_, err := Format(ctx, dev, FormatOptions{Name: "tiny", PieceSizeMiB: 1, PieceCount: 16, BucketCapacity: 1})
	require.NoError(t, err)

	s := mountSession(t, dev, Options{Tree: tree.Options{Overflow: tree.OverflowReject}})
	dirs := dirsOutsideBucket(2, "x", MinBucketCount)
	require.NoError(t, s.Mkdir(ctx, dirs[0]))
	require.NoError(t, s.Mkdir(ctx, dirs[1]))
	require.NoError(t, s.Create(ctx, dirs[0]+"/x"))

	err = s.Create(ctx, dirs[1]+"/x")
	assert.ErrorIs(t, err, nameindex.ErrIndexOverflow)
	assert.Equal(t, KindCapacity, KindOf(err))

	_, err = s.Stat(ctx, dirs[1]+"/x")
	assert.ErrorIs(t, err, tree.ErrNotFound)
}

func TestLookup_InvalidName(t *testing.T) {
	_, s := newSession(t)
	_, err := s.Lookup(context.Background(), "a/b")
	assert.ErrorIs(t, err, tree.ErrInvalidPath)
}

func TestRebuildIndex(t *testing.T) {
	ctx := context.Background()
	_, s := newSession(t)
	require.NoError(t, s.Create(ctx, "/a"))

	overflowed, err := s.RebuildIndex(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, overflowed)

	_, err = s.RebuildIndex(ctx, 5)
	assert.ErrorIs(t, err, nameindex.ErrKeyLengthChange)
	assert.Equal(t, KindStructural, KindOf(err))
}

func TestScrubOnMount(t *testing.T) {
	ctx := context.Background()
	dev := newDevice(16)
	formatDevice(t, dev, 16)
	faulty := devtesting.NewFaultyDevice(dev)
	s := mountSession(t, faulty, Options{})
	require.NoError(t, s.Create(ctx, "/a"))

	faulty.FailNthWrite(3)
	_, err := s.Write(ctx, "/a", 0, []byte("lost"))
	require.Error(t, err)

	metrics := &recordingMetrics{}
	s2 := mountSession(t, dev, Options{ScrubOnMount: true, Metrics: metrics})
	assert.Equal(t, uint64(15*mib), freeSpace(t, s2))
	assert.Equal(t, 2, metrics.leaked)
}

func TestConcurrentMutationsAndReads(t *testing.T) {
	ctx := context.Background()
	dev := newDevice(64)
	formatDevice(t, dev, 64)
	s := mountSession(t, dev, Options{})

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers*2)

	for i := range workers {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			p := fmt.Sprintf("/file-%d", i)
			payload := bytes.Repeat([]byte{byte('a' + i)}, 4096*(i+1))
			if err := s.WriteFile(ctx, p, payload); err != nil {
				errs <- err
				return
			}
			got, err := s.ReadFile(ctx, p)
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(got, payload) {
				errs <- fmt.Errorf("%s: content mismatch", p)
			}
		}(i)
		go func() {
			defer wg.Done()
			if _, err := s.List(ctx, "/"); err != nil {
				errs <- err
			}
			if _, err := s.Lookup(ctx, "file-0"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	names, err := s.List(ctx, "/")
	require.NoError(t, err)
	assert.Len(t, names, workers)

	report, err := s.Scrub(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean())
}

func TestFormat_FillsDevice(t *testing.T) {
	dev := memory.New(64*mib + 12288)
	h, err := Format(context.Background(), dev, FormatOptions{Name: "I love kittens!! I hate pidgeons!!"})
	require.NoError(t, err)

	assert.Equal(t, "I love kittens!!", h.NameString())
	assert.Equal(t, uint64(64), h.PieceCount)
	assert.LessOrEqual(t, h.DataEnd(), uint64(dev.Size()))
}

func TestFormat_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := Format(ctx, memory.New(4096), FormatOptions{})
	assert.ErrorIs(t, err, header.ErrInvalidGeometry)

	_, err = Format(ctx, newDevice(16), FormatOptions{PieceCount: 32})
	assert.ErrorIs(t, err, header.ErrInvalidGeometry)

	_, err = Format(ctx, newDevice(16), FormatOptions{PieceCount: 16, KeyLength: 300})
	assert.ErrorIs(t, err, layout.ErrInvalidDescriptor)
}

func TestDefaultBucketCount(t *testing.T) {
	assert.Equal(t, uint32(16), DefaultBucketCount(1))
	assert.Equal(t, uint32(16), DefaultBucketCount(16))
	assert.Equal(t, uint32(32), DefaultBucketCount(17))
	assert.Equal(t, uint32(1024), DefaultBucketCount(1000))
}

// recordingMetrics counts the observations tests care about.
type recordingMetrics struct {
	mu       sync.Mutex
	overflow int
	leaked   int
}

func (m *recordingMetrics) ObserveOperation(string, time.Duration, error) {}
func (m *recordingMetrics) SetFreeBytes(uint64)                           {}

func (m *recordingMetrics) RecordIndexOverflow() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overflow++
}

func (m *recordingMetrics) RecordScrub(leaked, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaked += leaked
}

func (m *recordingMetrics) overflows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overflow
}
