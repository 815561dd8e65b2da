package tree

import "errors"

var (
	// ErrNotFound indicates the path does not exist.
	ErrNotFound = errors.New("no such file or directory")

	// ErrAlreadyExists indicates the path already exists.
	ErrAlreadyExists = errors.New("file already exists")

	// ErrParentNotFound indicates the parent directory does not exist.
	ErrParentNotFound = errors.New("parent directory not found")

	// ErrNotDirectory indicates a directory operation on a file, including
	// a file used as a path prefix.
	ErrNotDirectory = errors.New("not a directory")

	// ErrIsDirectory indicates a file operation on a directory.
	ErrIsDirectory = errors.New("is a directory")

	// ErrNameTooLong indicates a component or path over the configured limit.
	ErrNameTooLong = errors.New("name too long")

	// ErrInvalidPath indicates a relative, empty, or otherwise unusable path.
	ErrInvalidPath = errors.New("invalid path")

	// ErrNotEmpty indicates deleting a directory that still has children.
	ErrNotEmpty = errors.New("directory not empty")

	// ErrFileTooLarge indicates an offset or size that overflows the
	// partition address space.
	ErrFileTooLarge = errors.New("file too large")

	// ErrCorruptCatalog indicates an unreadable catalog blob or payload.
	ErrCorruptCatalog = errors.New("corrupt catalog")
)
