package tree

import (
	"fmt"
	"path"
	"strings"

	"github.com/marmos91/shfs/pkg/shfs/alloc"
)

// Type distinguishes files from directories.
type Type uint32

const (
	TypeFile Type = iota + 1
	TypeDirectory
)

func (t Type) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDirectory:
		return "directory"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// RootID is the entry ID of "/".
const RootID = 1

// Entry is one file or directory.
//
// Values returned by the tree are snapshots; mutating them has no effect.
type Entry struct {
	ID     uint64
	Path   string
	Type   Type
	Size   uint64 // bytes; for "/" the catalog blob length
	Head   uint64 // first piece, alloc.NoPiece when empty
	Pieces uint64
}

// IsDir reports whether e is a directory.
func (e Entry) IsDir() bool { return e.Type == TypeDirectory }

// Name returns the basename.
func (e Entry) Name() string { return path.Base(e.Path) }

// Clean normalizes an absolute path.
//
// Paths must start with "/" and contain no NUL bytes. "." and ".." elements
// are resolved lexically and trailing slashes dropped.
func Clean(p string) (string, error) {
	if p == "" || p[0] != '/' {
		return "", fmt.Errorf("%q is not absolute: %w", p, ErrInvalidPath)
	}
	if strings.IndexByte(p, 0) >= 0 {
		return "", fmt.Errorf("%q contains NUL: %w", p, ErrInvalidPath)
	}
	return path.Clean(p), nil
}

// Extent maps a byte range of a caller buffer onto piece storage.
//
// The device offset of an extent is piece_offset(Piece) + Offset. Zero
// extents carry no caller data and must be filled with zeros.
type Extent struct {
	Piece     uint64
	Offset    uint64 // within Piece
	Length    uint64
	BufOffset uint64 // into the caller buffer, unused for Zero extents
	Zero      bool
}

// MapRange splits [off, off+n) of a file stored in chain into extents.
//
// Consecutive pieces are merged into one extent. The range must lie inside
// the chain's capacity.
func MapRange(chain []uint64, pieceBytes, off, n uint64) []Extent {
	var extents []Extent
	for done := uint64(0); done < n; {
		pos := off + done
		idx := pos / pieceBytes
		inPiece := pos % pieceBytes
		length := min(pieceBytes-inPiece, n-done)
		piece := chain[idx]

		if k := len(extents) - 1; k >= 0 {
			last := &extents[k]
			lastEnd := last.Offset + last.Length
			if lastEnd%pieceBytes == 0 && last.Piece+lastEnd/pieceBytes == piece && inPiece == 0 {
				last.Length += length
				done += length
				continue
			}
		}

		extents = append(extents, Extent{
			Piece:     piece,
			Offset:    inPiece,
			Length:    length,
			BufOffset: done,
		})
		done += length
	}
	return extents
}

func zeroed(extents []Extent) []Extent {
	for i := range extents {
		extents[i].Zero = true
		extents[i].BufOffset = 0
	}
	return extents
}

func emptyEntry(id uint64, p string, typ Type) *Entry {
	return &Entry{ID: id, Path: p, Type: typ, Head: alloc.NoPiece}
}
