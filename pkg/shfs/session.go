package shfs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"sync"

	"github.com/marmos91/shfs/internal/logger"
	"github.com/marmos91/shfs/pkg/blockdev"
	"github.com/marmos91/shfs/pkg/shfs/alloc"
	"github.com/marmos91/shfs/pkg/shfs/header"
	"github.com/marmos91/shfs/pkg/shfs/layout"
	"github.com/marmos91/shfs/pkg/shfs/nameindex"
	"github.com/marmos91/shfs/pkg/shfs/tree"
)

// State is the mount state of a session.
type State int

const (
	StateUnmounted State = iota
	StateMounting
	StateMounted
	StateUnmounting

	// StateFailed is left by a failed unmount flush or an ambiguous commit.
	// Unmount retries the flush.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnmounted:
		return "unmounted"
	case StateMounting:
		return "mounting"
	case StateMounted:
		return "mounted"
	case StateUnmounting:
		return "unmounting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is one mounted partition.
//
// Thread Safety:
// Mutations hold mu exclusively across the staged mutation and its device
// writes. Reads hold mu.RLock only to snapshot the entry and its extents;
// device reads happen after release and are validated against the catalog
// generation.
type Session struct {
	name    string
	dev     blockdev.Device
	opts    Options
	metrics Metrics

	mu    sync.RWMutex
	state State
	hdr   header.Header
	desc  layout.Descriptor
	lay   layout.Layout
	live  *tree.Tree

	// indexStale defers an index rebuild to the next mutation.
	indexStale bool

	// metaDirty means the bitmap and index on disk may trail the committed
	// catalog; the next commit or unmount rewrites them in full.
	metaDirty bool
}

// New returns an unmounted session for the partition on dev.
//
// Parameters:
//   - name: registry name, used in logs and errors
//   - dev: block device holding the partition; not closed by the session
//   - opts: mount options
func New(name string, dev blockdev.Device, opts Options) *Session {
	s := &Session{
		name:    name,
		dev:     dev,
		opts:    opts,
		metrics: opts.Metrics,
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	s.opts.Tree.OnOverflow = s.onOverflow
	return s
}

// Name returns the session name.
func (s *Session) Name() string {
	return s.name
}

// Device returns the underlying block device.
func (s *Session) Device() blockdev.Device {
	return s.dev
}

// State returns the current mount state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) onOverflow(p string, err error) {
	s.metrics.RecordIndexOverflow()
	logger.Warn("Partition %s: %s not indexed: %v", s.name, p, err)
}

// ============================================================================
// Mount
// ============================================================================

// Mount reads and verifies the partition and makes it available.
//
// On failure the session returns to Unmounted and a *MountError is returned.
func (s *Session) Mount(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUnmounted {
		return &MountError{Op: "mount", Partition: s.name, Err: fmt.Errorf("%w: from %s", ErrBadState, s.state)}
	}
	s.state = StateMounting

	if err := s.mount(ctx); err != nil {
		s.reset()
		logger.Error("Partition %s: mount failed: %v", s.name, err)
		return &MountError{Op: "mount", Partition: s.name, Err: err}
	}

	s.state = StateMounted
	s.metrics.SetFreeBytes(s.hdr.FreeSpace)
	logger.Info("Mounted partition %s (%q): %d/%d pieces free, %d entries",
		s.name, s.hdr.NameString(), s.live.Alloc().FreePieces(), s.hdr.PieceCount, s.live.Len())
	return nil
}

func (s *Session) reset() {
	s.state = StateUnmounted
	s.hdr = header.Header{}
	s.desc = layout.Descriptor{}
	s.lay = layout.Layout{}
	s.live = nil
	s.indexStale = false
	s.metaDirty = false
}

func (s *Session) mount(ctx context.Context) error {
	size := uint64(s.dev.Size())

	// ========================================================================
	// Step 1: Header and descriptor
	// ========================================================================

	if size < header.Size {
		return fmt.Errorf("device of %d bytes: %w", size, header.ErrShortHeader)
	}
	raw, err := readAt(ctx, s.dev, 0, header.Size)
	if err != nil {
		return err
	}
	h, err := header.Decode(raw)
	if err != nil {
		return err
	}
	if err := header.Validate(h, size); err != nil {
		return err
	}

	raw, err = readAt(ctx, s.dev, layout.DescriptorOffset, header.DescriptorSize)
	if err != nil {
		return err
	}
	desc, err := layout.DecodeDescriptor(raw)
	if err != nil {
		return err
	}
	if desc.BitmapBytes != h.BitmapBytes() {
		return fmt.Errorf("descriptor records %d bitmap bytes, header implies %d: %w",
			desc.BitmapBytes, h.BitmapBytes(), alloc.ErrBitmapSizeMismatch)
	}
	lay, err := layout.Derive(h, desc)
	if err != nil {
		return err
	}

	// ========================================================================
	// Step 2: Bitmap
	// ========================================================================

	a := alloc.New(h.PieceCount, h.PieceBytes())
	raw, err = readAt(ctx, s.dev, lay.BitmapOffset, lay.BitmapBytes)
	if err != nil {
		return err
	}
	rebuildBitmap := false
	if err := a.Load(raw); err != nil {
		if !errors.Is(err, alloc.ErrCorruptBitmap) {
			return err
		}
		logger.Warn("Partition %s: %v; rebuilding bitmap from the catalog", s.name, err)
		rebuildBitmap = true
	}

	// ========================================================================
	// Step 3: Catalog
	// ========================================================================

	ix := nameindex.New(int(desc.KeyLength), desc.BucketCount, desc.BucketCapacity)
	t, err := s.loadCatalog(ctx, h, desc.CatalogHead, a, ix)
	if err != nil {
		return err
	}

	// ========================================================================
	// Step 4: Every owned piece must be marked used
	// ========================================================================

	chains, err := t.OwnedChains()
	if err != nil {
		return err
	}
	if !rebuildBitmap {
		if missing := unmarked(a, chains); len(missing) > 0 {
			cerr := &ConsistencyError{Missing: missing}
			logger.Warn("Partition %s: %v; rebuilding bitmap", s.name, cerr)
			rebuildBitmap = true
		}
	}
	if rebuildBitmap {
		if err := a.Rebuild(chains); err != nil {
			return &ConsistencyError{DoubleOwned: errors.Is(err, alloc.ErrDoubleOwned), Err: err}
		}
	}

	// ========================================================================
	// Step 5: Index buckets
	// ========================================================================

	indexStale, err := s.loadIndex(ctx, lay, t)
	if err != nil {
		return err
	}

	s.hdr = h
	s.desc = desc
	s.lay = lay
	s.live = t
	s.indexStale = indexStale
	s.metaDirty = rebuildBitmap

	// ========================================================================
	// Step 6: Optional scrub, then persist recomputed free space
	// ========================================================================

	if s.opts.ScrubOnMount {
		if _, err := s.scrubLocked(ctx); err != nil {
			return err
		}
	}

	if s.metaDirty {
		if err := s.writeBitmap(ctx, s.live.Alloc().Bitmap()); err != nil {
			return err
		}
		s.metaDirty = false
	}
	return s.writeHeader(ctx)
}

// loadCatalog reads, verifies and decodes the catalog blob starting at head.
func (s *Session) loadCatalog(ctx context.Context, h header.Header, head uint64, a *alloc.Allocator, ix *nameindex.Index) (*tree.Tree, error) {
	if head >= h.PieceCount {
		return nil, fmt.Errorf("catalog head %d beyond %d pieces: %w", head, h.PieceCount, tree.ErrCorruptCatalog)
	}
	pieceStart := h.PieceOffset(head)

	fixed, err := readAt(ctx, s.dev, pieceStart, tree.BlobFixedHeaderLen)
	if err != nil {
		return nil, err
	}
	hdrLen, err := tree.DeclaredHeaderLen(fixed)
	if err != nil {
		return nil, err
	}
	if hdrLen > h.PieceBytes() {
		return nil, fmt.Errorf("catalog header of %d bytes exceeds one piece: %w", hdrLen, tree.ErrCorruptCatalog)
	}
	raw, err := readAt(ctx, s.dev, pieceStart, hdrLen)
	if err != nil {
		return nil, err
	}
	bh, err := tree.DecodeBlobHeader(raw)
	if err != nil {
		return nil, err
	}

	if len(bh.Pieces) == 0 || bh.Pieces[0] != head {
		return nil, fmt.Errorf("catalog piece list does not start at head %d: %w", head, tree.ErrCorruptCatalog)
	}
	seen := make(map[uint64]struct{}, len(bh.Pieces))
	for _, p := range bh.Pieces {
		if p >= h.PieceCount {
			return nil, fmt.Errorf("catalog piece %d beyond %d pieces: %w", p, h.PieceCount, tree.ErrCorruptCatalog)
		}
		if _, dup := seen[p]; dup {
			return nil, fmt.Errorf("catalog piece %d listed twice: %w", p, tree.ErrCorruptCatalog)
		}
		seen[p] = struct{}{}
	}
	blobLen := bh.Len() + bh.PayloadLen
	if bh.PayloadLen > uint64(len(bh.Pieces))*h.PieceBytes() || blobLen > uint64(len(bh.Pieces))*h.PieceBytes() {
		return nil, fmt.Errorf("catalog of %d bytes exceeds its %d pieces: %w", blobLen, len(bh.Pieces), tree.ErrCorruptCatalog)
	}

	blob, err := readChain(ctx, s.dev, h, bh.Pieces, blobLen)
	if err != nil {
		return nil, err
	}
	payload := blob[bh.Len():]
	if err := bh.VerifyPayload(payload); err != nil {
		return nil, err
	}

	return tree.DecodeCatalog(payload, blobLen, bh.Pieces, a, ix, s.opts.Tree)
}

// loadIndex decodes every bucket into t's index. It reports whether the
// index must be rebuilt: a corrupt bucket, or an indexed entry missing from
// its bucket (the index trails the catalog after a crash).
func (s *Session) loadIndex(ctx context.Context, lay layout.Layout, t *tree.Tree) (bool, error) {
	raw, err := readAt(ctx, s.dev, layout.BucketsOffset, lay.BucketsEnd-layout.BucketsOffset)
	if err != nil {
		return false, err
	}

	ix := t.Index()
	dropped := 0
	for b := range lay.BucketCount {
		off := uint64(b) * lay.BucketSize
		n, err := ix.DecodeBucket(b, raw[off:off+lay.BucketSize], t.PathOf)
		if err != nil {
			logger.Warn("Partition %s: %v; index rebuild scheduled", s.name, err)
			return true, nil
		}
		dropped += n
	}
	if dropped > 0 {
		logger.Debug("Partition %s: dropped %d stale index slots", s.name, dropped)
	}

	if p, lags := indexLags(t); lags {
		logger.Warn("Partition %s: %s missing from the index; rebuild scheduled", s.name, p)
		return true, nil
	}
	return false, nil
}

// indexLags reports the first entry whose indexed bucket does not list it.
func indexLags(t *tree.Tree) (string, bool) {
	ix := t.Index()
	for _, e := range t.IndexEntries() {
		candidates, indexed := ix.Lookup(path.Base(e.Path))
		if indexed && !slices.Contains(candidates, e.Path) {
			return e.Path, true
		}
	}
	return "", false
}

// unmarked returns the owned pieces the bitmap marks free.
func unmarked(a *alloc.Allocator, chains [][]uint64) []uint64 {
	var missing []uint64
	for _, chain := range chains {
		for _, p := range chain {
			if !a.IsUsed(p) {
				missing = append(missing, p)
			}
		}
	}
	return missing
}

// ============================================================================
// Unmount
// ============================================================================

// Unmount flushes free space, bitmap and index and releases the partition.
//
// A flush failure leaves the session Failed and returns a *MountError;
// calling Unmount again retries. The device is not closed.
func (s *Session) Unmount(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateMounted && s.state != StateFailed {
		return &MountError{Op: "unmount", Partition: s.name, Err: fmt.Errorf("%w: %s", ErrNotMounted, s.state)}
	}
	s.state = StateUnmounting

	if err := s.flushAll(ctx); err != nil {
		s.state = StateFailed
		logger.Error("Partition %s: unmount flush failed: %v", s.name, err)
		return &MountError{Op: "unmount", Partition: s.name, Err: err}
	}

	logger.Info("Unmounted partition %s", s.name)
	s.reset()
	return nil
}

// flushAll writes header, bitmap and every bucket, then flushes the device.
func (s *Session) flushAll(ctx context.Context) error {
	ix := s.live.Index()
	if s.indexStale {
		if _, err := ix.Rebuild(s.live.IndexEntries(), ix.KeyLength()); err != nil {
			return err
		}
		s.indexStale = false
	}
	ix.MarkAllDirty()

	if err := s.writeBitmap(ctx, s.live.Alloc().Bitmap()); err != nil {
		return err
	}
	if err := s.writeBuckets(ctx, ix); err != nil {
		return err
	}
	s.metaDirty = false
	return s.writeHeader(ctx)
}

// ============================================================================
// Metadata writers
// ============================================================================

// writeHeader recomputes free space, writes the header and flushes.
func (s *Session) writeHeader(ctx context.Context) error {
	s.hdr.FreeSpace = s.live.Alloc().RecomputeFreeSpace()
	encoded := header.Encode(s.hdr)
	if err := writeAt(ctx, s.dev, 0, encoded[:]); err != nil {
		return err
	}
	if err := flush(ctx, s.dev); err != nil {
		return err
	}
	s.metrics.SetFreeBytes(s.hdr.FreeSpace)
	return nil
}

func (s *Session) writeBitmap(ctx context.Context, bitmap []byte) error {
	return writeAt(ctx, s.dev, s.lay.BitmapOffset, bitmap)
}

func (s *Session) writeDescriptor(ctx context.Context, d layout.Descriptor) error {
	encoded := layout.EncodeDescriptor(d)
	return writeAt(ctx, s.dev, layout.DescriptorOffset, encoded[:])
}

// writeBuckets writes the dirty buckets of ix and clears its dirty set.
func (s *Session) writeBuckets(ctx context.Context, ix *nameindex.Index) error {
	for _, b := range ix.Dirty() {
		if err := writeAt(ctx, s.dev, s.lay.BucketOffset(b), ix.EncodeBucket(b)); err != nil {
			return err
		}
	}
	ix.ClearDirty()
	return nil
}
