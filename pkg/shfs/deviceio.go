package shfs

import (
	"context"

	"github.com/marmos91/shfs/pkg/blockdev"
	"github.com/marmos91/shfs/pkg/shfs/header"
	"github.com/marmos91/shfs/pkg/shfs/tree"
)

// zeroChunk bounds the size of a single zero-fill write. Never written to.
var zeroChunk = make([]byte, header.MiB)

func readAt(ctx context.Context, dev blockdev.Device, off uint64, n uint64) ([]byte, error) {
	buf := make([]byte, n)
	if err := dev.ReadAt(ctx, buf, int64(off)); err != nil {
		return nil, ioError("read", off, len(buf), err)
	}
	return buf, nil
}

func writeAt(ctx context.Context, dev blockdev.Device, off uint64, p []byte) error {
	if err := dev.WriteAt(ctx, p, int64(off)); err != nil {
		return ioError("write", off, len(p), err)
	}
	return nil
}

func flush(ctx context.Context, dev blockdev.Device) error {
	if err := dev.Flush(ctx); err != nil {
		return ioError("flush", 0, 0, err)
	}
	return nil
}

// zeroRange writes n zero bytes at off in bounded chunks.
func zeroRange(ctx context.Context, dev blockdev.Device, off, n uint64) error {
	for n > 0 {
		chunk := min(n, uint64(len(zeroChunk)))
		if err := writeAt(ctx, dev, off, zeroChunk[:chunk]); err != nil {
			return err
		}
		off += chunk
		n -= chunk
	}
	return nil
}

// writeExtents stores data (and zero fill) at the device offsets the
// extents describe.
func writeExtents(ctx context.Context, dev blockdev.Device, h header.Header, extents []tree.Extent, data []byte) error {
	for _, ext := range extents {
		off := h.PieceOffset(ext.Piece) + ext.Offset
		if ext.Zero {
			if err := zeroRange(ctx, dev, off, ext.Length); err != nil {
				return err
			}
			continue
		}
		if err := writeAt(ctx, dev, off, data[ext.BufOffset:ext.BufOffset+ext.Length]); err != nil {
			return err
		}
	}
	return nil
}

// readExtents fills buf from the device offsets the extents describe.
func readExtents(ctx context.Context, dev blockdev.Device, h header.Header, extents []tree.Extent, buf []byte) error {
	for _, ext := range extents {
		off := h.PieceOffset(ext.Piece) + ext.Offset
		p := buf[ext.BufOffset : ext.BufOffset+ext.Length]
		if err := dev.ReadAt(ctx, p, int64(off)); err != nil {
			return ioError("read", off, len(p), err)
		}
	}
	return nil
}

// readChain reads the first n bytes stored in chain.
func readChain(ctx context.Context, dev blockdev.Device, h header.Header, chain []uint64, n uint64) ([]byte, error) {
	buf := make([]byte, n)
	extents := tree.MapRange(chain, h.PieceBytes(), 0, n)
	if err := readExtents(ctx, dev, h, extents, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeChain writes data at the start of chain.
func writeChain(ctx context.Context, dev blockdev.Device, h header.Header, chain []uint64, data []byte) error {
	extents := tree.MapRange(chain, h.PieceBytes(), 0, uint64(len(data)))
	return writeExtents(ctx, dev, h, extents, data)
}
