package tree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path"

	xdr "github.com/rasky/go-xdr/xdr2"

	"github.com/marmos91/shfs/internal/checksum"
	"github.com/marmos91/shfs/pkg/shfs/alloc"
	"github.com/marmos91/shfs/pkg/shfs/nameindex"
)

// Catalog Blob Layout (little-endian header, XDR payload):
//
//	0   4   magic "SHCT"
//	4   4   version
//	8   8   payload length
//	16  32  BLAKE3 checksum of the payload
//	48  4   piece count n
//	52  8n  the blob's own pieces, in order
//	...     payload
//
// The blob lives in the root directory's chain. Listing its pieces in the
// header lets mount read it before the next-piece table is known; the
// payload therefore omits the root chain's links and records the root with
// an empty chain.
const (
	CatalogVersion = 1

	// BlobFixedHeaderLen is the header length before the piece list.
	BlobFixedHeaderLen = 52
)

var catalogMagic = [4]byte{'S', 'H', 'C', 'T'}

type catalogEntry struct {
	ID     uint64
	Path   string
	Type   uint32
	Size   uint64
	Head   uint64
	Pieces uint64
}

type catalogLink struct {
	Piece uint64
	Next  uint64
}

type catalogPayload struct {
	NextID  uint64
	Entries []catalogEntry
	Links   []catalogLink
}

// BlobHeader is the decoded fixed part of a catalog blob.
type BlobHeader struct {
	Version    uint32
	PayloadLen uint64
	Checksum   [32]byte
	Pieces     []uint64
}

// Len returns the encoded header length.
func (h BlobHeader) Len() uint64 {
	return BlobFixedHeaderLen + 8*uint64(len(h.Pieces))
}

// BlobHeaderLen returns the encoded header length for n pieces.
func BlobHeaderLen(n uint64) uint64 {
	return BlobFixedHeaderLen + 8*n
}

// EncodeCatalog serializes the tree, excluding the root chain.
func (t *Tree) EncodeCatalog() ([]byte, error) {
	root := t.entries["/"]
	rootChain, err := t.chain(root)
	if err != nil {
		return nil, err
	}
	inRoot := make(map[uint64]struct{}, len(rootChain))
	for _, p := range rootChain {
		inRoot[p] = struct{}{}
	}

	payload := catalogPayload{NextID: t.nextID}
	for _, e := range t.Entries() {
		ce := catalogEntry{
			ID:     e.ID,
			Path:   e.Path,
			Type:   uint32(e.Type),
			Size:   e.Size,
			Head:   e.Head,
			Pieces: e.Pieces,
		}
		if e.ID == RootID {
			ce.Size, ce.Head, ce.Pieces = 0, alloc.NoPiece, 0
		}
		payload.Entries = append(payload.Entries, ce)
	}
	for _, pair := range t.alloc.NextPairs() {
		if _, skip := inRoot[pair.Piece]; skip {
			continue
		}
		payload.Links = append(payload.Links, catalogLink{Piece: pair.Piece, Next: pair.Next})
	}

	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, &payload); err != nil {
		return nil, fmt.Errorf("failed to marshal catalog: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeBlob frames payload for storage in pieces.
func EncodeBlob(payload []byte, pieces []uint64) []byte {
	hdrLen := BlobHeaderLen(uint64(len(pieces)))
	blob := make([]byte, hdrLen+uint64(len(payload)))

	copy(blob[0:4], catalogMagic[:])
	binary.LittleEndian.PutUint32(blob[4:], CatalogVersion)
	binary.LittleEndian.PutUint64(blob[8:], uint64(len(payload)))
	sum := checksum.Sum(checksum.Catalog, payload)
	copy(blob[16:48], sum[:])
	binary.LittleEndian.PutUint32(blob[48:], uint32(len(pieces)))
	for i, p := range pieces {
		binary.LittleEndian.PutUint64(blob[BlobFixedHeaderLen+8*i:], p)
	}
	copy(blob[hdrLen:], payload)

	return blob
}

// DeclaredHeaderLen returns the full header length announced by the fixed
// part of a blob, so callers know how much to read before DecodeBlobHeader.
func DeclaredHeaderLen(fixed []byte) (uint64, error) {
	if len(fixed) < BlobFixedHeaderLen {
		return 0, fmt.Errorf("blob header of %d bytes: %w", len(fixed), ErrCorruptCatalog)
	}
	if [4]byte(fixed[0:4]) != catalogMagic {
		return 0, fmt.Errorf("magic %q: %w", fixed[0:4], ErrCorruptCatalog)
	}
	return BlobHeaderLen(uint64(binary.LittleEndian.Uint32(fixed[48:]))), nil
}

// DecodeBlobHeader parses the header at the start of a blob. data must hold
// at least the fixed header and the piece list.
func DecodeBlobHeader(data []byte) (BlobHeader, error) {
	if len(data) < BlobFixedHeaderLen {
		return BlobHeader{}, fmt.Errorf("blob header of %d bytes: %w", len(data), ErrCorruptCatalog)
	}
	if [4]byte(data[0:4]) != catalogMagic {
		return BlobHeader{}, fmt.Errorf("magic %q: %w", data[0:4], ErrCorruptCatalog)
	}

	h := BlobHeader{
		Version:    binary.LittleEndian.Uint32(data[4:]),
		PayloadLen: binary.LittleEndian.Uint64(data[8:]),
	}
	copy(h.Checksum[:], data[16:48])
	if h.Version != CatalogVersion {
		return BlobHeader{}, fmt.Errorf("version %d: %w", h.Version, ErrCorruptCatalog)
	}

	n := uint64(binary.LittleEndian.Uint32(data[48:]))
	if uint64(len(data)) < BlobHeaderLen(n) {
		return BlobHeader{}, fmt.Errorf("piece list of %d entries truncated: %w", n, ErrCorruptCatalog)
	}
	h.Pieces = make([]uint64, n)
	for i := range h.Pieces {
		h.Pieces[i] = binary.LittleEndian.Uint64(data[BlobFixedHeaderLen+8*i:])
	}

	return h, nil
}

// VerifyPayload checks payload against the header checksum.
func (h BlobHeader) VerifyPayload(payload []byte) error {
	if uint64(len(payload)) != h.PayloadLen {
		return fmt.Errorf("payload of %d bytes, header says %d: %w", len(payload), h.PayloadLen, ErrCorruptCatalog)
	}
	if checksum.Sum(checksum.Catalog, payload) != h.Checksum {
		return fmt.Errorf("payload checksum mismatch: %w", ErrCorruptCatalog)
	}
	return nil
}

// StageCatalog serializes the tree into a freshly allocated root chain.
//
// The new chain is allocated before the old one is released, so the blob
// never overwrites the catalog it replaces. The root entry is updated to
// the new chain. The caller writes blob starting at the first new piece
// and commits by pointing the region descriptor at newChain[0].
//
// Returns:
//   - blob: framed catalog, at most len(newChain) pieces long
//   - newChain: pieces holding blob
//   - oldChain: pieces released by this call
func (t *Tree) StageCatalog() (blob []byte, newChain, oldChain []uint64, err error) {
	payload, err := t.EncodeCatalog()
	if err != nil {
		return nil, nil, nil, err
	}

	// The header grows with the piece list, so the count may need one
	// more piece than the payload alone suggests.
	count := t.alloc.PiecesFor(BlobHeaderLen(0) + uint64(len(payload)))
	for t.alloc.PiecesFor(BlobHeaderLen(count)+uint64(len(payload))) > count {
		count++
	}

	newChain, err = t.alloc.AllocatePieces(count)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("catalog: %w", err)
	}

	root := t.entries["/"]
	oldChain, err = t.chain(root)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := t.alloc.Free(oldChain); err != nil {
		return nil, nil, nil, fmt.Errorf("catalog: %w", err)
	}

	blob = EncodeBlob(payload, newChain)
	root.Head = newChain[0]
	root.Pieces = count
	root.Size = uint64(len(blob))

	return blob, newChain, oldChain, nil
}

// DecodeCatalog rebuilds a tree from a verified payload.
//
// a must already hold the on-disk bitmap (or be rebuilt afterwards); its
// next table is replaced by the payload links plus rootChain. Slots in
// buckets are not restored here: the caller decodes buckets with the
// tree's PathOf as resolver, or rebuilds the index.
//
// Parameters:
//   - payload: XDR catalog bytes
//   - blobLen: total blob length, recorded as the root size
//   - rootChain: pieces listed in the blob header
func DecodeCatalog(payload []byte, blobLen uint64, rootChain []uint64, a *alloc.Allocator, ix *nameindex.Index, opts Options) (*Tree, error) {
	var cat catalogPayload
	if _, err := xdr.Unmarshal(bytes.NewReader(payload), &cat); err != nil {
		return nil, fmt.Errorf("failed to unmarshal catalog: %w: %w", err, ErrCorruptCatalog)
	}

	links := make([]alloc.NextPair, len(cat.Links))
	for i, l := range cat.Links {
		links[i] = alloc.NextPair{Piece: l.Piece, Next: l.Next}
	}
	if err := a.LoadNext(links); err != nil {
		return nil, fmt.Errorf("%w: %w", err, ErrCorruptCatalog)
	}
	if err := a.Link(rootChain); err != nil {
		return nil, fmt.Errorf("root chain: %w: %w", err, ErrCorruptCatalog)
	}

	t := newEmpty(a, ix, opts)
	t.nextID = cat.NextID

	// Entries are stored sorted by path, so parents precede children.
	for _, ce := range cat.Entries {
		e := &Entry{
			ID:     ce.ID,
			Path:   ce.Path,
			Type:   Type(ce.Type),
			Size:   ce.Size,
			Head:   ce.Head,
			Pieces: ce.Pieces,
		}
		if err := t.validateDecoded(e); err != nil {
			return nil, err
		}
		if e.ID == RootID {
			e.Size = blobLen
			e.Pieces = uint64(len(rootChain))
			if len(rootChain) > 0 {
				e.Head = rootChain[0]
			}
		}
		t.insertEntry(e)
	}

	if _, ok := t.entries["/"]; !ok {
		return nil, fmt.Errorf("no root entry: %w", ErrCorruptCatalog)
	}

	return t, nil
}

func (t *Tree) validateDecoded(e *Entry) error {
	if e.Type != TypeFile && e.Type != TypeDirectory {
		return fmt.Errorf("entry %d (%s) has %s: %w", e.ID, e.Path, e.Type, ErrCorruptCatalog)
	}
	if clean, err := Clean(e.Path); err != nil || clean != e.Path {
		return fmt.Errorf("entry %d has path %q: %w", e.ID, e.Path, ErrCorruptCatalog)
	}
	if _, dup := t.entries[e.Path]; dup {
		return fmt.Errorf("duplicate path %s: %w", e.Path, ErrCorruptCatalog)
	}
	if _, dup := t.byID[e.ID]; dup {
		return fmt.Errorf("duplicate entry ID %d: %w", e.ID, ErrCorruptCatalog)
	}
	if e.ID >= t.nextID {
		return fmt.Errorf("entry ID %d not below next ID %d: %w", e.ID, t.nextID, ErrCorruptCatalog)
	}
	if (e.ID == RootID) != (e.Path == "/") {
		return fmt.Errorf("entry %d at %s: root mismatch: %w", e.ID, e.Path, ErrCorruptCatalog)
	}
	if e.Path != "/" {
		parent, ok := t.entries[path.Dir(e.Path)]
		if !ok || !parent.IsDir() {
			return fmt.Errorf("%s has no parent directory: %w", e.Path, ErrCorruptCatalog)
		}
	}
	return nil
}
