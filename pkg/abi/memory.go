package abi

import (
	"errors"
	"fmt"
)

// ErrFault indicates an access outside the user memory window.
var ErrFault = errors.New("user memory fault")

// UserMemory is the address window of the calling program.
type UserMemory interface {
	// ReadAt copies len(p) bytes starting at addr into p.
	ReadAt(p []byte, addr uint64) error

	// WriteAt copies p to addr.
	WriteAt(p []byte, addr uint64) error

	// Check reports ErrFault unless [addr, addr+n) lies inside the window.
	Check(addr, n uint64) error
}

// FlatMemory is a contiguous window of Data mapped at Base.
type FlatMemory struct {
	Base uint64
	Data []byte
}

// NewFlatMemory returns a zeroed window of size bytes at base.
func NewFlatMemory(base uint64, size int) *FlatMemory {
	return &FlatMemory{Base: base, Data: make([]byte, size)}
}

func (m *FlatMemory) slice(addr, n uint64) ([]byte, error) {
	if addr < m.Base {
		return nil, fmt.Errorf("address %#x below window %#x: %w", addr, m.Base, ErrFault)
	}
	off := addr - m.Base
	if off > uint64(len(m.Data)) || n > uint64(len(m.Data))-off {
		return nil, fmt.Errorf("[%#x, +%d) outside window of %d bytes: %w", addr, n, len(m.Data), ErrFault)
	}
	return m.Data[off : off+n], nil
}

// Check implements UserMemory.
func (m *FlatMemory) Check(addr, n uint64) error {
	_, err := m.slice(addr, n)
	return err
}

// ReadAt implements UserMemory.
func (m *FlatMemory) ReadAt(p []byte, addr uint64) error {
	src, err := m.slice(addr, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(p, src)
	return nil
}

// WriteAt implements UserMemory.
func (m *FlatMemory) WriteAt(p []byte, addr uint64) error {
	dst, err := m.slice(addr, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(dst, p)
	return nil
}
