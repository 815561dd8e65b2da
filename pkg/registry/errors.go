package registry

import "errors"

var (
	// ErrDeviceNotFound indicates no device is registered under the name.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrDeviceExists indicates a device is already registered under the name.
	ErrDeviceExists = errors.New("device already registered")

	// ErrAlreadyMounted indicates the device already has a session, or a
	// mount of it is in progress.
	ErrAlreadyMounted = errors.New("partition already mounted")

	// ErrUnknownHandle indicates the handle names no mounted session.
	ErrUnknownHandle = errors.New("unknown mount handle")

	// ErrDeviceInUse indicates an attempt to remove a mounted device.
	ErrDeviceInUse = errors.New("device in use")
)
