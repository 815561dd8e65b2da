package shfs

import (
	"context"
	"errors"
	"time"

	"github.com/marmos91/shfs/internal/logger"
	"github.com/marmos91/shfs/pkg/shfs/alloc"
)

// ScrubReport describes what a scrub found and repaired.
type ScrubReport struct {
	// Leaked pieces were marked used but owned by no chain. Reclaimed.
	Leaked []uint64

	// Missing pieces were owned by a chain but marked free. Re-marked.
	Missing []uint64

	// IndexRebuilt is set when the name index trailed the tree.
	IndexRebuilt bool

	// Overflowed counts buckets left unindexed by the index rebuild.
	Overflowed int

	FreeBefore uint64
	FreeAfter  uint64
}

// Clean reports whether the scrub changed nothing.
func (r ScrubReport) Clean() bool {
	return len(r.Leaked) == 0 && len(r.Missing) == 0 && !r.IndexRebuilt
}

// Scrub rederives the bitmap from the owned chains and repairs it.
//
// Leaked pieces are reclaimed and missing bits are set; a stale or lagging
// index is rebuilt. Pieces owned by two chains cannot be repaired and yield
// a *ConsistencyError with nothing changed. The repaired bitmap, index and
// recomputed free space are persisted.
func (s *Session) Scrub(ctx context.Context) (report ScrubReport, err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("scrub", time.Since(start), err)
		if err != nil {
			err = &OpError{Op: "scrub", Err: err}
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkMounted(); err != nil {
		return ScrubReport{}, err
	}
	if err := ctx.Err(); err != nil {
		return ScrubReport{}, err
	}
	return s.scrubLocked(ctx)
}

// scrubLocked is Scrub without locking or state checks. Caller holds mu.
func (s *Session) scrubLocked(ctx context.Context) (ScrubReport, error) {
	staged := s.live.Clone()
	a := staged.Alloc()

	// ========================================================================
	// Step 1: Expected bitmap from owned chains
	// ========================================================================

	chains, err := staged.OwnedChains()
	if err != nil {
		return ScrubReport{}, err
	}
	want := alloc.New(a.PieceCount(), a.PieceBytes())
	if err := want.Rebuild(chains); err != nil {
		return ScrubReport{}, &ConsistencyError{DoubleOwned: errors.Is(err, alloc.ErrDoubleOwned), Err: err}
	}

	report := ScrubReport{FreeBefore: a.FreePieces() * a.PieceBytes()}
	report.Leaked, report.Missing = a.Diff(want)

	// ========================================================================
	// Step 2: Repair
	// ========================================================================

	if len(report.Leaked) > 0 || len(report.Missing) > 0 {
		if err := a.Rebuild(chains); err != nil {
			return ScrubReport{}, err
		}
	}

	ix := staged.Index()
	if _, lags := indexLags(staged); lags || s.indexStale {
		n, err := ix.Rebuild(staged.IndexEntries(), ix.KeyLength())
		if err != nil {
			return ScrubReport{}, err
		}
		report.IndexRebuilt = true
		report.Overflowed = n
	}
	report.FreeAfter = a.FreePieces() * a.PieceBytes()

	if report.Clean() && !s.metaDirty {
		return report, nil
	}

	// ========================================================================
	// Step 3: Persist
	// ========================================================================

	if s.metaDirty {
		ix.MarkAllDirty()
	}
	if err := s.writeBitmap(ctx, a.Bitmap()); err != nil {
		return ScrubReport{}, err
	}
	if err := s.writeBuckets(ctx, ix); err != nil {
		return ScrubReport{}, err
	}

	s.live = staged
	s.indexStale = false
	s.metaDirty = false
	if err := s.writeHeader(ctx); err != nil {
		return report, err
	}

	s.metrics.RecordScrub(len(report.Leaked), len(report.Missing))
	if len(report.Missing) > 0 {
		logger.Warn("Partition %s: scrub: %v", s.name, &ConsistencyError{Missing: report.Missing})
	}
	logger.Info("Partition %s: scrub reclaimed %d leaked pieces, repaired %d, index rebuilt=%t",
		s.name, len(report.Leaked), len(report.Missing), report.IndexRebuilt)

	return report, nil
}

// RebuildIndex clears the name index and reinserts every entry.
//
// k must be the key length chosen at format time (0 means that value);
// anything else fails with nameindex.ErrKeyLengthChange. Returns the number
// of buckets that overflowed and were left unindexed.
func (s *Session) RebuildIndex(ctx context.Context, k int) (overflowed int, err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("rebuild_index", time.Since(start), err)
		if err != nil {
			err = &OpError{Op: "rebuild_index", Err: err}
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkMounted(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	staged := s.live.Clone()
	ix := staged.Index()
	if k == 0 {
		k = ix.KeyLength()
	}
	overflowed, err = ix.Rebuild(staged.IndexEntries(), k)
	if err != nil {
		return 0, err
	}

	if err := s.writeBuckets(ctx, ix); err != nil {
		return 0, err
	}
	if err := flush(ctx, s.dev); err != nil {
		return 0, err
	}

	s.live = staged
	s.indexStale = false
	logger.Info("Partition %s: rebuilt name index, %d buckets overflowed", s.name, overflowed)
	return overflowed, nil
}
