package shfs

import (
	"context"
	"fmt"

	"github.com/marmos91/shfs/internal/logger"
	"github.com/marmos91/shfs/pkg/blockdev"
	"github.com/marmos91/shfs/pkg/shfs/alloc"
	"github.com/marmos91/shfs/pkg/shfs/header"
	"github.com/marmos91/shfs/pkg/shfs/layout"
	"github.com/marmos91/shfs/pkg/shfs/nameindex"
	"github.com/marmos91/shfs/pkg/shfs/tree"
)

// Format writes an empty partition onto dev.
//
// The metadata region is zeroed (which encodes empty buckets), then the
// initial catalog holding the root directory, the bitmap, the descriptor and
// finally the header are written, and the device is flushed. A device that
// fails part-way holds no valid signature unless the header write landed
// last.
//
// Parameters:
//   - dev: target device; its whole size is the partition
//   - opts: geometry; zero fields take defaults
//
// Returns the header written to disk.
func Format(ctx context.Context, dev blockdev.Device, opts FormatOptions) (header.Header, error) {
	if err := ctx.Err(); err != nil {
		return header.Header{}, err
	}

	opts = opts.withDefaults()
	if opts.KeyLength < 1 || opts.KeyLength > 255 {
		return header.Header{}, fmt.Errorf("key length %d outside 1..255: %w", opts.KeyLength, layout.ErrInvalidDescriptor)
	}
	if opts.BucketCapacity > nameindex.MaxBucketCapacity {
		return header.Header{}, fmt.Errorf("bucket capacity %d above %d: %w", opts.BucketCapacity, nameindex.MaxBucketCapacity, layout.ErrInvalidDescriptor)
	}

	// ========================================================================
	// Step 1: Derive geometry
	// ========================================================================

	size := uint64(dev.Size())
	pieceBytes := uint64(opts.PieceSizeMiB) * header.MiB

	bucketsFor := func(pc uint64) uint32 {
		if opts.BucketCount != 0 {
			return opts.BucketCount
		}
		return DefaultBucketCount(pc)
	}

	pc := opts.PieceCount
	if pc == 0 {
		pc = fillDevice(size, pieceBytes, func(pc uint64) uint64 {
			return layout.IndexEndFor(pc, bucketsFor(pc), opts.BucketCapacity)
		})
		if pc == 0 {
			return header.Header{}, fmt.Errorf("device of %d bytes holds no %d MiB piece: %w", size, opts.PieceSizeMiB, header.ErrInvalidGeometry)
		}
	}
	bc := bucketsFor(pc)

	h := header.Header{
		Name:       header.TruncateName(opts.Name),
		Rev:        header.Revision,
		PieceSize:  opts.PieceSizeMiB,
		PieceCount: pc,
		IndexEnd:   layout.IndexEndFor(pc, bc, opts.BucketCapacity),
	}
	if err := header.Validate(h, size); err != nil {
		return header.Header{}, err
	}

	// ========================================================================
	// Step 2: Build the empty tree and its catalog
	// ========================================================================

	a := alloc.New(pc, pieceBytes)
	ix := nameindex.New(opts.KeyLength, bc, opts.BucketCapacity)
	t := tree.New(a, ix, tree.Options{})

	blob, chain, _, err := t.StageCatalog()
	if err != nil {
		return header.Header{}, err
	}

	desc := layout.Descriptor{
		Version:           layout.DescriptorVersion,
		KeyLength:         uint8(opts.KeyLength),
		BucketCount:       bc,
		BucketCapacity:    opts.BucketCapacity,
		BitmapBytes:       h.BitmapBytes(),
		CatalogHead:       chain[0],
		CatalogGeneration: 1,
	}
	l, err := layout.Derive(h, desc)
	if err != nil {
		return header.Header{}, err
	}
	h.FreeSpace = a.RecomputeFreeSpace()

	// ========================================================================
	// Step 3: Write metadata, header last
	// ========================================================================

	if err := zeroRange(ctx, dev, header.Size, h.IndexEnd-header.Size); err != nil {
		return header.Header{}, err
	}
	if err := writeChain(ctx, dev, h, chain, blob); err != nil {
		return header.Header{}, err
	}
	if err := writeAt(ctx, dev, l.BitmapOffset, a.Bitmap()); err != nil {
		return header.Header{}, err
	}
	encodedDesc := layout.EncodeDescriptor(desc)
	if err := writeAt(ctx, dev, layout.DescriptorOffset, encodedDesc[:]); err != nil {
		return header.Header{}, err
	}
	if err := flush(ctx, dev); err != nil {
		return header.Header{}, err
	}
	encodedHeader := header.Encode(h)
	if err := writeAt(ctx, dev, 0, encodedHeader[:]); err != nil {
		return header.Header{}, err
	}
	if err := flush(ctx, dev); err != nil {
		return header.Header{}, err
	}

	logger.Info("Formatted partition %q: %d pieces of %d MiB, index_end=%d, %d buckets x %d slots, k=%d",
		h.NameString(), pc, h.PieceSize, h.IndexEnd, bc, opts.BucketCapacity, opts.KeyLength)

	return h, nil
}

// fillDevice returns the largest piece count whose metadata and pieces fit
// in size bytes.
func fillDevice(size, pieceBytes uint64, indexEnd func(pc uint64) uint64) uint64 {
	pc := size / pieceBytes
	for pc > 0 {
		end := indexEnd(pc)
		if end <= size {
			fit := (size - end) / pieceBytes
			if fit >= pc {
				return pc
			}
			pc = fit
			continue
		}
		pc--
	}
	return 0
}
