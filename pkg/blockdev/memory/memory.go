package memory

import (
	"context"
	"sync"

	"github.com/marmos91/shfs/pkg/blockdev"
)

// DefaultChunkSize is the allocation granularity of the sparse store.
const DefaultChunkSize = 64 * 1024

// Device implements blockdev.Device using in-memory storage.
//
// Storage is sparse: memory is only allocated for chunks that have been
// written, so a partition with many multi-megabyte pieces costs only what
// the test actually touches. Unwritten chunks read as zeros.
//
// Characteristics:
//   - Fast: all operations are memory-speed
//   - Volatile: data lost when the device is dropped
//   - Thread-safe: protected by RWMutex
//   - Flush is a no-op; every successful write is immediately "durable"
type Device struct {
	mu        sync.RWMutex
	chunks    map[int64][]byte
	size      int64
	chunkSize int
	closed    bool
}

// New creates an empty in-memory device of the given size.
func New(size int64) *Device {
	return NewWithChunkSize(size, DefaultChunkSize)
}

// NewWithChunkSize creates an empty device with a custom chunk size.
func NewWithChunkSize(size int64, chunkSize int) *Device {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Device{
		chunks:    make(map[int64][]byte),
		size:      size,
		chunkSize: chunkSize,
	}
}

// ReadAt implements blockdev.Device.
func (d *Device) ReadAt(ctx context.Context, p []byte, off int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := blockdev.CheckRange(off, len(p), d.size); err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return blockdev.ErrClosed
	}

	for _, span := range blockdev.Spans(off, len(p), d.chunkSize) {
		dst := p[span.Start:span.End]
		chunk, ok := d.chunks[span.Block]
		if !ok {
			clear(dst)
			continue
		}
		copy(dst, chunk[span.Offset:])
	}

	return nil
}

// WriteAt implements blockdev.Device.
func (d *Device) WriteAt(ctx context.Context, p []byte, off int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := blockdev.CheckRange(off, len(p), d.size); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return blockdev.ErrClosed
	}

	for _, span := range blockdev.Spans(off, len(p), d.chunkSize) {
		chunk, ok := d.chunks[span.Block]
		if !ok {
			chunk = make([]byte, d.chunkSize)
			d.chunks[span.Block] = chunk
		}
		copy(chunk[span.Offset:], p[span.Start:span.End])
	}

	return nil
}

// Flush implements blockdev.Device.
func (d *Device) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return blockdev.ErrClosed
	}
	return nil
}

// Size implements blockdev.Device.
func (d *Device) Size() int64 {
	return d.size
}

// Close implements blockdev.Device. Stored data is released.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	d.chunks = nil
	return nil
}

// AllocatedBytes returns the memory held by written chunks.
func (d *Device) AllocatedBytes() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return int64(len(d.chunks)) * int64(d.chunkSize)
}
