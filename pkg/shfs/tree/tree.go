// Package tree maps hierarchical paths to file entries and coordinates the
// piece allocator and name index for every mutation.
//
// A Tree owns its allocator and index. The mount session never mutates the
// live tree: it mutates a Clone, writes the result to the device, and
// publishes the clone once the writes are durable. A failed mutation may
// leave the clone in any state; callers discard it.
//
// The root directory's piece chain holds the serialized catalog (see
// catalog.go), so catalog pieces take part in the ownership bijection like
// any file content.
//
// A Tree is not safe for concurrent use.
package tree

import (
	"errors"
	"fmt"
	"maps"
	"math/bits"
	"path"
	"slices"
	"sort"
	"strings"

	"github.com/marmos91/shfs/pkg/shfs/alloc"
	"github.com/marmos91/shfs/pkg/shfs/nameindex"
)

// OverflowPolicy decides what Create does when the name index bucket for a
// new path is full.
type OverflowPolicy string

const (
	// OverflowDegrade keeps the entry, marks the bucket unindexed and
	// reports through Options.OnOverflow.
	OverflowDegrade OverflowPolicy = "degrade"

	// OverflowReject fails Create with nameindex.ErrIndexOverflow.
	OverflowReject OverflowPolicy = "reject"
)

// Options configures limits and overflow handling.
type Options struct {
	MaxNameLen int
	MaxPathLen int
	Overflow   OverflowPolicy

	// OnOverflow is called for every degraded insert.
	OnOverflow func(path string, err error)
}

// Default limits.
const (
	DefaultMaxNameLen = 255
	DefaultMaxPathLen = 4096
)

func (o Options) withDefaults() Options {
	if o.MaxNameLen <= 0 {
		o.MaxNameLen = DefaultMaxNameLen
	}
	if o.MaxPathLen <= 0 {
		o.MaxPathLen = DefaultMaxPathLen
	}
	if o.Overflow == "" {
		o.Overflow = OverflowDegrade
	}
	return o
}

// Tree is the directory tree of one partition.
type Tree struct {
	entries  map[string]*Entry
	byID     map[uint64]string
	children map[string]map[string]struct{}
	nextID   uint64

	alloc *alloc.Allocator
	index *nameindex.Index
	opts  Options
}

// New returns a tree holding only the root directory.
func New(a *alloc.Allocator, ix *nameindex.Index, opts Options) *Tree {
	t := newEmpty(a, ix, opts)
	t.insertEntry(emptyEntry(RootID, "/", TypeDirectory))
	t.nextID = RootID + 1
	return t
}

func newEmpty(a *alloc.Allocator, ix *nameindex.Index, opts Options) *Tree {
	return &Tree{
		entries:  make(map[string]*Entry),
		byID:     make(map[uint64]string),
		children: make(map[string]map[string]struct{}),
		alloc:    a,
		index:    ix,
		opts:     opts.withDefaults(),
	}
}

func (t *Tree) insertEntry(e *Entry) {
	t.entries[e.Path] = e
	t.byID[e.ID] = e.Path
	if e.IsDir() {
		t.children[e.Path] = make(map[string]struct{})
	}
	if e.Path != "/" {
		t.children[path.Dir(e.Path)][path.Base(e.Path)] = struct{}{}
	}
}

// Alloc returns the tree's allocator.
func (t *Tree) Alloc() *alloc.Allocator { return t.alloc }

// Index returns the tree's name index.
func (t *Tree) Index() *nameindex.Index { return t.index }

// SetIndex replaces the name index, e.g. after a rebuild.
func (t *Tree) SetIndex(ix *nameindex.Index) { t.index = ix }

// Options returns the effective options.
func (t *Tree) Options() Options { return t.opts }

// Len returns the number of entries including the root.
func (t *Tree) Len() int { return len(t.entries) }

// Resolve returns the entry at p.
func (t *Tree) Resolve(p string) (Entry, error) {
	e, err := t.lookup(p)
	if err != nil {
		return Entry{}, err
	}
	return *e, nil
}

// PathOf returns the path of entry id.
func (t *Tree) PathOf(id uint64) (string, bool) {
	p, ok := t.byID[id]
	return p, ok
}

func (t *Tree) lookup(p string) (*Entry, error) {
	clean, err := Clean(p)
	if err != nil {
		return nil, err
	}
	e, ok := t.entries[clean]
	if !ok {
		return nil, fmt.Errorf("%s: %w", clean, ErrNotFound)
	}
	return e, nil
}

func (t *Tree) lookupFile(p string) (*Entry, error) {
	e, err := t.lookup(p)
	if err != nil {
		return nil, err
	}
	if e.IsDir() {
		return nil, fmt.Errorf("%s: %w", e.Path, ErrIsDirectory)
	}
	return e, nil
}

// checkLimits validates component and path lengths.
func (t *Tree) checkLimits(p string) error {
	if len(p) > t.opts.MaxPathLen {
		return fmt.Errorf("path of %d bytes exceeds %d: %w", len(p), t.opts.MaxPathLen, ErrNameTooLong)
	}
	for _, name := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		if len(name) > t.opts.MaxNameLen {
			return fmt.Errorf("component %.16q... of %d bytes exceeds %d: %w", name, len(name), t.opts.MaxNameLen, ErrNameTooLong)
		}
	}
	return nil
}

// Create adds an empty file or directory at p.
//
// Errors:
//   - ErrInvalidPath: relative path, NUL byte, or unknown type
//   - ErrNameTooLong: path or a component over the limit
//   - ErrAlreadyExists: p exists (including "/")
//   - ErrParentNotFound: the parent directory does not exist
//   - ErrNotDirectory: the parent is a file
//   - nameindex.ErrIndexOverflow: bucket full under OverflowReject
func (t *Tree) Create(p string, typ Type) (Entry, error) {
	clean, err := Clean(p)
	if err != nil {
		return Entry{}, err
	}
	if typ != TypeFile && typ != TypeDirectory {
		return Entry{}, fmt.Errorf("create %s as %s: %w", clean, typ, ErrInvalidPath)
	}
	if err := t.checkLimits(clean); err != nil {
		return Entry{}, err
	}
	if _, exists := t.entries[clean]; exists {
		return Entry{}, fmt.Errorf("%s: %w", clean, ErrAlreadyExists)
	}

	parent, ok := t.entries[path.Dir(clean)]
	if !ok {
		return Entry{}, fmt.Errorf("%s: %w", path.Dir(clean), ErrParentNotFound)
	}
	if !parent.IsDir() {
		return Entry{}, fmt.Errorf("%s: %w", parent.Path, ErrNotDirectory)
	}

	if t.opts.Overflow == OverflowReject {
		if err := t.index.Check(clean); err != nil {
			return Entry{}, err
		}
	}

	e := emptyEntry(t.nextID, clean, typ)
	t.nextID++
	t.insertEntry(e)

	if err := t.index.Insert(clean, e.ID); err != nil {
		if !errors.Is(err, nameindex.ErrIndexOverflow) {
			return Entry{}, err
		}
		if t.opts.OnOverflow != nil {
			t.opts.OnOverflow(clean, err)
		}
	}

	return *e, nil
}

// chain returns the pieces of e in order.
func (t *Tree) chain(e *Entry) ([]uint64, error) {
	chain, err := t.alloc.Chain(e.Head)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.Path, err)
	}
	if uint64(len(chain)) != e.Pieces {
		return nil, fmt.Errorf("%s: chain holds %d pieces, entry records %d: %w",
			e.Path, len(chain), e.Pieces, alloc.ErrCorruptChain)
	}
	return chain, nil
}

// Chain returns the piece chain of the entry at p.
func (t *Tree) Chain(p string) ([]uint64, error) {
	e, err := t.lookup(p)
	if err != nil {
		return nil, err
	}
	return t.chain(e)
}

// grow extends e's chain so it can hold size bytes.
func (t *Tree) grow(e *Entry, size uint64) ([]uint64, error) {
	chain, err := t.chain(e)
	if err != nil {
		return nil, err
	}

	need := t.alloc.PiecesFor(size)
	if need <= e.Pieces {
		return chain, nil
	}

	added, err := t.alloc.AllocatePieces(need - e.Pieces)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.Path, err)
	}

	if len(chain) == 0 {
		e.Head = added[0]
	} else if err := t.alloc.Append(chain[len(chain)-1], added); err != nil {
		return nil, fmt.Errorf("%s: %w", e.Path, err)
	}
	e.Pieces = need

	return append(chain, added...), nil
}

// Write prepares a write of n bytes at off into the file at p.
//
// The chain grows when off+n exceeds its capacity; it never shrinks. The
// returned extents map the caller's n bytes onto pieces, preceded by zero
// extents for any gap between the previous size and off. A zero-length
// write changes nothing.
func (t *Tree) Write(p string, off, n uint64) ([]Extent, error) {
	e, err := t.lookupFile(p)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	end, carry := bits.Add64(off, n, 0)
	if carry != 0 {
		return nil, fmt.Errorf("%s: write [%d, +%d): %w", e.Path, off, n, ErrFileTooLarge)
	}

	chain, err := t.grow(e, end)
	if err != nil {
		return nil, err
	}

	var extents []Extent
	if off > e.Size {
		extents = zeroed(MapRange(chain, t.alloc.PieceBytes(), e.Size, off-e.Size))
	}
	extents = append(extents, MapRange(chain, t.alloc.PieceBytes(), off, n)...)

	e.Size = max(e.Size, end)
	return extents, nil
}

// Truncate sets the size of the file at p.
//
// Shrinking frees the trailing pieces no longer needed. Growing allocates
// pieces and returns zero extents for the new range.
func (t *Tree) Truncate(p string, size uint64) ([]Extent, error) {
	e, err := t.lookupFile(p)
	if err != nil {
		return nil, err
	}

	switch {
	case size == e.Size:
		return nil, nil

	case size < e.Size:
		chain, err := t.chain(e)
		if err != nil {
			return nil, err
		}
		keep := t.alloc.PiecesFor(size)
		kept, released := t.alloc.SplitAfter(chain, int(keep))
		if err := t.alloc.Free(released); err != nil {
			return nil, fmt.Errorf("%s: %w", e.Path, err)
		}
		if len(kept) == 0 {
			e.Head = alloc.NoPiece
		}
		e.Pieces = keep
		e.Size = size
		return nil, nil

	default:
		chain, err := t.grow(e, size)
		if err != nil {
			return nil, err
		}
		extents := zeroed(MapRange(chain, t.alloc.PieceBytes(), e.Size, size-e.Size))
		e.Size = size
		return extents, nil
	}
}

// Extents maps a read of n bytes at off, clamped to the file size.
func (t *Tree) Extents(p string, off, n uint64) (Entry, []Extent, error) {
	e, err := t.lookupFile(p)
	if err != nil {
		return Entry{}, nil, err
	}
	if off >= e.Size {
		return *e, nil, nil
	}
	n = min(n, e.Size-off)

	chain, err := t.chain(e)
	if err != nil {
		return Entry{}, nil, err
	}
	return *e, MapRange(chain, t.alloc.PieceBytes(), off, n), nil
}

// Delete removes the entry at p, frees its chain and drops its index slot.
func (t *Tree) Delete(p string) (Entry, error) {
	e, err := t.lookup(p)
	if err != nil {
		return Entry{}, err
	}
	if e.Path == "/" {
		return Entry{}, fmt.Errorf("cannot delete the root directory: %w", ErrInvalidPath)
	}
	if e.IsDir() && len(t.children[e.Path]) > 0 {
		return Entry{}, fmt.Errorf("%s: %w", e.Path, ErrNotEmpty)
	}

	chain, err := t.chain(e)
	if err != nil {
		return Entry{}, err
	}
	if err := t.alloc.Free(chain); err != nil {
		return Entry{}, fmt.Errorf("%s: %w", e.Path, err)
	}

	delete(t.entries, e.Path)
	delete(t.byID, e.ID)
	delete(t.children, e.Path)
	delete(t.children[path.Dir(e.Path)], path.Base(e.Path))
	t.index.Remove(e.Path)

	return *e, nil
}

// List returns the sorted child names of directory p.
//
// Each call derives the result from current state; no cursor is kept.
func (t *Tree) List(p string) ([]string, error) {
	e, err := t.lookup(p)
	if err != nil {
		return nil, err
	}
	if !e.IsDir() {
		return nil, fmt.Errorf("%s: %w", e.Path, ErrNotDirectory)
	}
	return slices.Sorted(maps.Keys(t.children[e.Path])), nil
}

// Entries returns every entry sorted by path.
func (t *Tree) Entries() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// IndexEntries returns the index form of every entry except the root.
func (t *Tree) IndexEntries() []nameindex.Entry {
	out := make([]nameindex.Entry, 0, len(t.entries))
	for _, e := range t.Entries() {
		if e.ID == RootID {
			continue
		}
		out = append(out, nameindex.Entry{Path: e.Path, ID: e.ID})
	}
	return out
}

// Find returns the entries whose basename is name.
//
// Index candidates are verified against the tree. When the key's bucket is
// unindexed, or the index yields no verified match, every entry is scanned.
// scanned reports whether the scan ran.
func (t *Tree) Find(name string) (matches []Entry, scanned bool) {
	candidates, indexed := t.index.Lookup(name)
	if indexed {
		for _, c := range candidates {
			if e, ok := t.entries[c]; ok && path.Base(e.Path) == name {
				matches = append(matches, *e)
			}
		}
		if len(matches) > 0 {
			return matches, false
		}
	}

	for _, e := range t.Entries() {
		if e.ID != RootID && path.Base(e.Path) == name {
			matches = append(matches, e)
		}
	}
	return matches, true
}

// OwnedChains returns the chain of every entry with pieces.
func (t *Tree) OwnedChains() ([][]uint64, error) {
	var chains [][]uint64
	for _, e := range t.Entries() {
		if e.Pieces == 0 {
			continue
		}
		chain, err := t.chain(t.entries[e.Path])
		if err != nil {
			return nil, err
		}
		chains = append(chains, chain)
	}
	return chains, nil
}

// Clone returns an independent copy including allocator and index.
func (t *Tree) Clone() *Tree {
	c := newEmpty(t.alloc.Clone(), t.index.Clone(), t.opts)
	c.nextID = t.nextID
	for _, e := range t.Entries() {
		cp := e
		c.insertEntry(&cp)
	}
	return c
}
