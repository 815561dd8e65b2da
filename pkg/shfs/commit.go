package shfs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/shfs/internal/logger"
	"github.com/marmos91/shfs/pkg/shfs/tree"
)

// mutation applies one change to the staged tree. It returns the extents
// to write and the caller data they index into.
type mutation func(staged *tree.Tree) (extents []tree.Extent, data []byte, err error)

// checkMounted reports why the session cannot serve operations.
// Caller holds mu.
func (s *Session) checkMounted() error {
	switch s.state {
	case StateMounted:
		return nil
	case StateFailed:
		return ErrSessionFailed
	default:
		return ErrNotMounted
	}
}

// mutate runs fn against a clone of the live tree and commits the result.
//
// The partition lock is held from the clone until the staged tree is
// published, so mutations are totally ordered.
func (s *Session) mutate(ctx context.Context, op, p string, fn mutation) (err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation(op, time.Since(start), err)
		if err != nil {
			err = &OpError{Op: op, Path: p, Err: err}
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkMounted(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	staged := s.live.Clone()
	staged.Alloc().Hold()
	if s.indexStale {
		ix := staged.Index()
		if _, err := ix.Rebuild(staged.IndexEntries(), ix.KeyLength()); err != nil {
			return err
		}
	}

	extents, data, err := fn(staged)
	if err != nil {
		return err
	}

	return s.commit(ctx, staged, extents, data)
}

// commit makes staged durable and publishes it.
//
// Order:
//  1. new catalog chain allocated, old one released (staged allocator)
//  2. data extents
//  3. bitmap as live OR staged
//  4. catalog blob
//  5. descriptor pointing at the new catalog (commit point)
//  6. staged bitmap and dirty buckets, device flush
//  7. publish
//
// Every allocation is decided in memory before the first device write, so
// running out of space writes nothing. The staged allocator holds the
// pieces the mutation frees, so steps 2 and 4 only write pieces no durable
// chain links. A failure before step 5 leaves live state untouched and
// costs at most allocated-but-unlinked pieces, which Scrub reclaims. A failed descriptor
// write is ambiguous: the session goes to Failed and must be remounted.
// After step 5 the mutation is committed; a failure in step 6 is logged and
// the metadata is rewritten in full by the next commit or unmount.
//
// Caller holds mu.
func (s *Session) commit(ctx context.Context, staged *tree.Tree, extents []tree.Extent, data []byte) error {
	// ========================================================================
	// Step 1: Stage the catalog
	// ========================================================================

	blob, newChain, _, err := staged.StageCatalog()
	if err != nil {
		return err
	}

	// ========================================================================
	// Step 2: Data
	// ========================================================================

	if err := writeExtents(ctx, s.dev, s.hdr, extents, data); err != nil {
		return err
	}

	// ========================================================================
	// Step 3: Allocations durable before any link
	// ========================================================================

	if err := s.writeBitmap(ctx, s.live.Alloc().UnionBitmap(staged.Alloc())); err != nil {
		return err
	}

	// ========================================================================
	// Step 4: Catalog blob
	// ========================================================================

	if err := writeChain(ctx, s.dev, s.hdr, newChain, blob); err != nil {
		return err
	}
	if err := flush(ctx, s.dev); err != nil {
		return err
	}

	// ========================================================================
	// Step 5: Commit point
	// ========================================================================

	if err := ctx.Err(); err != nil {
		return err
	}

	desc := s.desc
	desc.CatalogHead = newChain[0]
	desc.CatalogGeneration++

	if err := s.writeDescriptor(ctx, desc); err != nil {
		if isContextErr(err) && ctx.Err() != nil {
			return err
		}
		return s.fail(err)
	}
	if err := flush(ctx, s.dev); err != nil {
		return s.fail(err)
	}

	// ========================================================================
	// Step 6: Final bitmap and index
	// ========================================================================

	if s.metaDirty {
		staged.Index().MarkAllDirty()
	}
	if err := s.finalize(ctx, staged); err != nil {
		s.metaDirty = true
		logger.Warn("Partition %s: generation %d committed, metadata write deferred: %v",
			s.name, desc.CatalogGeneration, err)
	} else {
		s.metaDirty = false
	}

	// ========================================================================
	// Step 7: Publish
	// ========================================================================

	staged.Alloc().Release()
	s.live = staged
	s.desc = desc
	s.indexStale = false
	s.hdr.FreeSpace = staged.Alloc().FreePieces() * staged.Alloc().PieceBytes()
	s.metrics.SetFreeBytes(s.hdr.FreeSpace)

	logger.Debug("Partition %s: committed generation %d (catalog at piece %d, %d pieces)",
		s.name, desc.CatalogGeneration, desc.CatalogHead, len(newChain))
	return nil
}

func (s *Session) finalize(ctx context.Context, staged *tree.Tree) error {
	if err := s.writeBitmap(ctx, staged.Alloc().Bitmap()); err != nil {
		return err
	}
	if err := s.writeBuckets(ctx, staged.Index()); err != nil {
		return err
	}
	return flush(ctx, s.dev)
}

// fail moves the session to Failed after an ambiguous commit.
func (s *Session) fail(err error) error {
	s.state = StateFailed
	logger.Error("Partition %s: commit point write failed, session failed: %v", s.name, err)
	return fmt.Errorf("%w: %w", ErrSessionFailed, err)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
