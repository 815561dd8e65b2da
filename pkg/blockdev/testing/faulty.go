package testing

import (
	"context"
	"errors"
	"sync"

	"github.com/marmos91/shfs/pkg/blockdev"
)

// ErrInjected is returned by FaultyDevice for injected failures.
var ErrInjected = errors.New("injected device failure")

// FaultyDevice wraps a Device and fails selected operations.
//
// It is used to verify the engine's commit ordering: a mutation whose device
// writes fail part-way must leave the in-memory state untouched and the
// on-disk state recoverable.
type FaultyDevice struct {
	blockdev.Device

	mu          sync.Mutex
	writes      int
	failWriteAt int // 1-based index of the write to fail; 0 disables
	failAll     bool
	failFlush   bool
}

// NewFaultyDevice wraps dev with no faults armed.
func NewFaultyDevice(dev blockdev.Device) *FaultyDevice {
	return &FaultyDevice{Device: dev}
}

// FailNthWrite arms a failure on the nth WriteAt from now (1-based).
// Later writes succeed again.
func (f *FaultyDevice) FailNthWrite(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = 0
	f.failWriteAt = n
}

// FailWritesFromNow fails every WriteAt until Reset.
func (f *FaultyDevice) FailWritesFromNow() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = true
}

// FailFlush makes every Flush fail until Reset.
func (f *FaultyDevice) FailFlush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFlush = true
}

// Reset disarms every fault and clears the write counter.
func (f *FaultyDevice) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = 0
	f.failWriteAt = 0
	f.failAll = false
	f.failFlush = false
}

// Writes returns the number of WriteAt calls since the last arm or Reset.
func (f *FaultyDevice) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

// WriteAt implements blockdev.Device.
func (f *FaultyDevice) WriteAt(ctx context.Context, p []byte, off int64) error {
	f.mu.Lock()
	f.writes++
	fail := f.failAll || (f.failWriteAt > 0 && f.writes == f.failWriteAt)
	f.mu.Unlock()

	if fail {
		return ErrInjected
	}
	return f.Device.WriteAt(ctx, p, off)
}

// Flush implements blockdev.Device.
func (f *FaultyDevice) Flush(ctx context.Context) error {
	f.mu.Lock()
	fail := f.failFlush
	f.mu.Unlock()

	if fail {
		return ErrInjected
	}
	return f.Device.Flush(ctx)
}
