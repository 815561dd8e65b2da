package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/marmos91/shfs/internal/logger"
	"github.com/marmos91/shfs/pkg/blockdev"
)

// Device implements blockdev.Device on top of a disk image file.
//
// The image is a plain file whose length is the device size. Reads and
// writes map directly to pread/pwrite; Flush issues fdatasync on Linux and
// fsync elsewhere, so a successful Flush means preceding writes reached
// stable storage.
//
// Thread Safety:
// os.File ReadAt/WriteAt are safe for concurrent use. The RWMutex only guards
// the closed flag against use-after-close.
type Device struct {
	mu     sync.RWMutex
	f      *os.File
	path   string
	size   int64
	closed bool
}

// Create creates (or truncates) an image file of the given size and opens it.
//
// The file is extended with Truncate, so on filesystems supporting sparse
// files a large image costs no space until written.
func Create(ctx context.Context, path string, size int64) (*Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", size)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create image %s: %w", path, err)
	}

	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to size image %s: %w", path, err)
	}

	logger.Debug("Created image %s (%d bytes)", path, size)

	return &Device{f: f, path: path, size: size}, nil
}

// Open opens an existing image file. The device size is the file length.
func Open(ctx context.Context, path string) (*Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat image %s: %w", path, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("image %s is a directory", path)
	}

	return &Device{f: f, path: path, size: info.Size()}, nil
}

// Path returns the image path.
func (d *Device) Path() string {
	return d.path
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

	n, err := d.f.ReadAt(p, off)
	if errors.Is(err, io.EOF) {
		// Image shorter than its nominal size: the missing tail reads as zeros.
		clear(p[n:])
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read image at %d: %w", off, err)
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

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return blockdev.ErrClosed
	}

	if _, err := d.f.WriteAt(p, off); err != nil {
		return fmt.Errorf("failed to write image at %d: %w", off, err)
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

	if err := syncData(d.f); err != nil {
		return fmt.Errorf("failed to sync image %s: %w", d.path, err)
	}
	return nil
}

// Size implements blockdev.Device.
func (d *Device) Size() int64 {
	return d.size
}

// Close implements blockdev.Device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.f.Close()
}
