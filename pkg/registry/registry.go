package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/marmos91/shfs/internal/logger"
	"github.com/marmos91/shfs/pkg/blockdev"
	"github.com/marmos91/shfs/pkg/shfs"
)

// Handle identifies a mounted session. Handles are never reused within a
// registry.
type Handle uint64

// Registry owns the block devices and the sessions mounted on them.
//
// It is the filesystem service: callers register devices by name, mount
// them to obtain a Handle, and resolve handles to sessions. There is no
// process-wide instance; each owner creates its own.
//
// Example usage:
//
//	reg := NewRegistry()
//	reg.RegisterDevice("disk0", dev)
//	h, _ := reg.Mount(ctx, "disk0", shfs.Options{})
//	session, _ := reg.Session(h)
type Registry struct {
	mu       sync.RWMutex
	devices  map[string]blockdev.Device
	sessions map[Handle]*mount
	byName   map[string]Handle
	mounting map[string]struct{}
	next     Handle
}

type mount struct {
	session *shfs.Session
	info    MountInfo
}

// MountInfo describes an active mount.
type MountInfo struct {
	Handle    Handle
	Device    string
	MountTime time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		devices:  make(map[string]blockdev.Device),
		sessions: make(map[Handle]*mount),
		byName:   make(map[string]Handle),
		mounting: make(map[string]struct{}),
		next:     1,
	}
}

// ============================================================================
// Devices
// ============================================================================

// RegisterDevice adds a named block device.
func (r *Registry) RegisterDevice(name string, dev blockdev.Device) error {
	if dev == nil {
		return fmt.Errorf("cannot register nil device")
	}
	if name == "" {
		return fmt.Errorf("cannot register device with empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[name]; exists {
		return fmt.Errorf("%q: %w", name, ErrDeviceExists)
	}

	r.devices[name] = dev
	return nil
}

// RemoveDevice unregisters and closes an unmounted device.
func (r *Registry) RemoveDevice(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, exists := r.devices[name]
	if !exists {
		return fmt.Errorf("%q: %w", name, ErrDeviceNotFound)
	}
	if r.busy(name) {
		return fmt.Errorf("%q: %w", name, ErrDeviceInUse)
	}

	delete(r.devices, name)
	return dev.Close()
}

// GetDevice retrieves a device by name.
func (r *Registry) GetDevice(name string) (blockdev.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dev, exists := r.devices[name]
	if !exists {
		return nil, fmt.Errorf("%q: %w", name, ErrDeviceNotFound)
	}
	return dev, nil
}

// ListDevices returns the sorted device names.
func (r *Registry) ListDevices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.devices))
	for name := range r.devices {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// busy reports whether name is mounted or being mounted. Caller holds mu.
func (r *Registry) busy(name string) bool {
	_, mounted := r.byName[name]
	_, inProgress := r.mounting[name]
	return mounted || inProgress
}

// ============================================================================
// Mounts
// ============================================================================

// Mount mounts the partition on the named device and returns its handle.
//
// The registry lock is not held during device I/O; a concurrent Mount of the
// same device fails with ErrAlreadyMounted.
func (r *Registry) Mount(ctx context.Context, name string, opts shfs.Options) (Handle, error) {
	r.mu.Lock()
	dev, exists := r.devices[name]
	if !exists {
		r.mu.Unlock()
		return 0, fmt.Errorf("%q: %w", name, ErrDeviceNotFound)
	}
	if r.busy(name) {
		r.mu.Unlock()
		return 0, fmt.Errorf("%q: %w", name, ErrAlreadyMounted)
	}
	r.mounting[name] = struct{}{}
	r.mu.Unlock()

	session := shfs.New(name, dev, opts)
	err := session.Mount(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mounting, name)
	if err != nil {
		return 0, err
	}

	h := r.next
	r.next++
	r.sessions[h] = &mount{
		session: session,
		info:    MountInfo{Handle: h, Device: name, MountTime: time.Now()},
	}
	r.byName[name] = h

	logger.Debug("Registry: %s mounted as handle %d", name, h)
	return h, nil
}

// Session resolves a handle.
func (r *Registry) Session(h Handle) (*shfs.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.sessions[h]
	if !exists {
		return nil, fmt.Errorf("handle %d: %w", h, ErrUnknownHandle)
	}
	return m.session, nil
}

// SessionByName returns the session mounted on the named device.
func (r *Registry) SessionByName(name string) (*shfs.Session, Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, exists := r.byName[name]
	if !exists {
		return nil, 0, fmt.Errorf("%q: %w", name, shfs.ErrNotMounted)
	}
	return r.sessions[h].session, h, nil
}

// Unmount unmounts and forgets a session.
//
// If the session's flush fails it stays registered in the Failed state so
// the caller can retry.
func (r *Registry) Unmount(ctx context.Context, h Handle) error {
	session, err := r.Session(h)
	if err != nil {
		return err
	}

	if err := session.Unmount(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, exists := r.sessions[h]; exists {
		delete(r.byName, m.info.Device)
		delete(r.sessions, h)
	}
	logger.Debug("Registry: handle %d unmounted", h)
	return nil
}

// UnmountAll unmounts every session and returns the joined failures.
func (r *Registry) UnmountAll(ctx context.Context) error {
	var errs []error
	for _, info := range r.ListMounts() {
		if err := r.Unmount(ctx, info.Handle); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ListMounts returns the active mounts ordered by handle.
func (r *Registry) ListMounts() []MountInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]MountInfo, 0, len(r.sessions))
	for _, m := range r.sessions {
		infos = append(infos, m.info)
	}
	slices.SortFunc(infos, func(a, b MountInfo) int { return cmp.Compare(a.Handle, b.Handle) })
	return infos
}

// CountMounts returns the number of mounted sessions.
func (r *Registry) CountMounts() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close unmounts everything and closes every device.
func (r *Registry) Close(ctx context.Context) error {
	errs := []error{r.UnmountAll(ctx)}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, dev := range r.devices {
		if r.busy(name) {
			continue
		}
		if err := dev.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(r.devices, name)
	}
	return errors.Join(errs...)
}
