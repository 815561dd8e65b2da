package shfs

import (
	"context"
	"errors"
	"path"
	"time"

	"github.com/marmos91/shfs/pkg/shfs/header"
	"github.com/marmos91/shfs/pkg/shfs/layout"
	"github.com/marmos91/shfs/pkg/shfs/tree"
)

// maxOptimisticReads bounds lock-free read attempts before a read holds the
// shared lock across its device I/O.
const maxOptimisticReads = 3

// ============================================================================
// Mutations
// ============================================================================

// Create creates an empty file at p. The parent directory must exist.
func (s *Session) Create(ctx context.Context, p string) error {
	return s.mutate(ctx, "create", p, func(t *tree.Tree) ([]tree.Extent, []byte, error) {
		_, err := t.Create(p, tree.TypeFile)
		return nil, nil, err
	})
}

// Mkdir creates an empty directory at p.
func (s *Session) Mkdir(ctx context.Context, p string) error {
	return s.mutate(ctx, "mkdir", p, func(t *tree.Tree) ([]tree.Extent, []byte, error) {
		_, err := t.Create(p, tree.TypeDirectory)
		return nil, nil, err
	})
}

// Write writes data at off into the file at p, growing it as needed. A gap
// between the old size and off reads as zeros.
func (s *Session) Write(ctx context.Context, p string, off uint64, data []byte) (int, error) {
	err := s.mutate(ctx, "write", p, func(t *tree.Tree) ([]tree.Extent, []byte, error) {
		extents, err := t.Write(p, off, uint64(len(data)))
		return extents, data, err
	})
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// WriteFile replaces the contents of the file at p with data, creating it
// if missing, in a single mutation.
func (s *Session) WriteFile(ctx context.Context, p string, data []byte) error {
	return s.mutate(ctx, "write_file", p, func(t *tree.Tree) ([]tree.Extent, []byte, error) {
		_, err := t.Resolve(p)
		switch {
		case errors.Is(err, tree.ErrNotFound):
			if _, err := t.Create(p, tree.TypeFile); err != nil {
				return nil, nil, err
			}
		case err != nil:
			return nil, nil, err
		default:
			if _, err := t.Truncate(p, 0); err != nil {
				return nil, nil, err
			}
		}
		extents, err := t.Write(p, 0, uint64(len(data)))
		return extents, data, err
	})
}

// Truncate sets the size of the file at p. Growth reads as zeros.
func (s *Session) Truncate(ctx context.Context, p string, size uint64) error {
	return s.mutate(ctx, "truncate", p, func(t *tree.Tree) ([]tree.Extent, []byte, error) {
		extents, err := t.Truncate(p, size)
		return extents, nil, err
	})
}

// Delete removes the file or empty directory at p and frees its pieces.
func (s *Session) Delete(ctx context.Context, p string) error {
	return s.mutate(ctx, "delete", p, func(t *tree.Tree) ([]tree.Extent, []byte, error) {
		_, err := t.Delete(p)
		return nil, nil, err
	})
}

// ============================================================================
// Reads
// ============================================================================

// snapshot runs fn under the shared lock on a mounted session.
func (s *Session) snapshot(op, p string, fn func() error) (err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation(op, time.Since(start), err)
		if err != nil {
			err = &OpError{Op: op, Path: p, Err: err}
		}
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkMounted(); err != nil {
		return err
	}
	return fn()
}

// Read reads up to len(buf) bytes at off from the file at p and returns the
// count. Reads past the end return 0 and no error.
//
// Extents are snapshotted under the shared lock and read after releasing
// it. If a commit lands meanwhile the read is retried; after
// maxOptimisticReads attempts it holds the lock across the device reads.
func (s *Session) Read(ctx context.Context, p string, off uint64, buf []byte) (n int, err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("read", time.Since(start), err)
		if err != nil {
			err = &OpError{Op: "read", Path: p, Err: err}
		}
	}()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		s.mu.RLock()
		if err := s.checkMounted(); err != nil {
			s.mu.RUnlock()
			return 0, err
		}
		gen := s.desc.CatalogGeneration
		h := s.hdr
		_, extents, err := s.live.Extents(p, off, uint64(len(buf)))
		if err != nil {
			s.mu.RUnlock()
			return 0, err
		}
		n = extentBytes(extents)

		if attempt == maxOptimisticReads {
			err := readExtents(ctx, s.dev, h, extents, buf)
			s.mu.RUnlock()
			if err != nil {
				return 0, err
			}
			return n, nil
		}
		s.mu.RUnlock()

		if err := readExtents(ctx, s.dev, h, extents, buf); err != nil {
			return 0, err
		}

		s.mu.RLock()
		stable := s.state == StateMounted && s.desc.CatalogGeneration == gen
		s.mu.RUnlock()
		if stable {
			return n, nil
		}
	}
}

func extentBytes(extents []tree.Extent) int {
	n := uint64(0)
	for _, e := range extents {
		n += e.Length
	}
	return int(n)
}

// ReadFile returns the whole contents of the file at p.
func (s *Session) ReadFile(ctx context.Context, p string) ([]byte, error) {
	e, err := s.Stat(ctx, p)
	if err != nil {
		return nil, err
	}
	if e.IsDir() {
		return nil, &OpError{Op: "read", Path: p, Err: tree.ErrIsDirectory}
	}
	buf := make([]byte, e.Size)
	n, err := s.Read(ctx, p, 0, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Stat returns the entry at p.
func (s *Session) Stat(ctx context.Context, p string) (tree.Entry, error) {
	var e tree.Entry
	err := s.snapshot("stat", p, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		e, err = s.live.Resolve(p)
		return err
	})
	return e, err
}

// List returns the sorted child names of the directory at p.
func (s *Session) List(ctx context.Context, p string) ([]string, error) {
	var names []string
	err := s.snapshot("list", p, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		names, err = s.live.List(p)
		return err
	})
	return names, err
}

// Lookup returns every entry whose basename is name.
//
// The name index narrows the search; candidates are verified against the
// tree, so results are exact. Unindexed buckets and a stale index fall back
// to a scan.
func (s *Session) Lookup(ctx context.Context, name string) ([]tree.Entry, error) {
	var matches []tree.Entry
	err := s.snapshot("lookup", name, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if name == "" || path.Base(name) != name {
			return tree.ErrInvalidPath
		}
		if s.indexStale {
			matches = scanByName(s.live, name)
			return nil
		}
		matches, _ = s.live.Find(name)
		return nil
	})
	return matches, err
}

func scanByName(t *tree.Tree, name string) []tree.Entry {
	var matches []tree.Entry
	for _, e := range t.Entries() {
		if e.ID != tree.RootID && e.Name() == name {
			matches = append(matches, e)
		}
	}
	return matches
}

// FreeSpace returns the free bytes derived from the bitmap.
//
// The figure includes the pieces the next commit needs for its shadow
// catalog; Info reports what a mutation can actually use.
func (s *Session) FreeSpace() (uint64, error) {
	var free uint64
	err := s.snapshot("free_space", "", func() error {
		a := s.live.Alloc()
		free = a.FreePieces() * a.PieceBytes()
		return nil
	})
	return free, err
}

// Header returns the partition header with the current free space.
func (s *Session) Header() (header.Header, error) {
	var h header.Header
	err := s.snapshot("header", "", func() error {
		h = s.hdr
		a := s.live.Alloc()
		h.FreeSpace = a.FreePieces() * a.PieceBytes()
		return nil
	})
	return h, err
}

// Info summarizes a mounted partition.
type Info struct {
	Header     header.Header
	Descriptor layout.Descriptor
	Layout     layout.Layout

	Entries          int
	UsedPieces       uint64
	FreePieces       uint64

	// UsableBytes is the free space minus the catalog reserve: the largest
	// growth a mutation that does not enlarge the catalog can commit.
	UsableBytes uint64

	IndexedPaths     int
	UnindexedBuckets int
	IndexStale       bool
}

// Info returns a summary of the mounted partition.
func (s *Session) Info() (Info, error) {
	var info Info
	err := s.snapshot("info", "", func() error {
		a := s.live.Alloc()
		ix := s.live.Index()
		info = Info{
			Header:           s.hdr,
			Descriptor:       s.desc,
			Layout:           s.lay,
			Entries:          s.live.Len(),
			UsedPieces:       a.UsedPieces(),
			FreePieces:       a.FreePieces(),
			IndexedPaths:     ix.Len(),
			UnindexedBuckets: ix.Unindexed(),
			IndexStale:       s.indexStale,
			UsableBytes:      usableBytes(s.live),
		}
		info.Header.FreeSpace = a.FreePieces() * a.PieceBytes()
		return nil
	})
	return info, err
}

// usableBytes is the free space left once the next shadow catalog, sized
// like the current one, is allocated.
func usableBytes(t *tree.Tree) uint64 {
	a := t.Alloc()
	reserve := uint64(1)
	if root, err := t.Resolve("/"); err == nil {
		reserve = max(root.Pieces, 1)
	}
	if a.FreePieces() <= reserve {
		return 0
	}
	return (a.FreePieces() - reserve) * a.PieceBytes()
}
