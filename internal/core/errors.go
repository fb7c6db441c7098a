package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a spec, quick file or archive does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCorruptArchive is returned when an uploaded archive cannot be opened.
	ErrCorruptArchive = errors.New("corrupt archive")

	// ErrMissingMetadata is returned when the archive has no usable gemspec.
	ErrMissingMetadata = errors.New("missing metadata")

	// ErrLockBusy is returned when another holder owns a live repository lock.
	ErrLockBusy = errors.New("repository lock busy")

	// ErrLockTimeout is returned when the lock could not be acquired in time.
	ErrLockTimeout = errors.New("repository lock timeout")

	// ErrStorage wraps failures of the underlying object store.
	ErrStorage = errors.New("storage error")

	// ErrEncoding signals an internal invariant violation in the codec.
	ErrEncoding = errors.New("encoding error")

	// ErrTooManyNames is returned when a dependency query names too many gems.
	ErrTooManyNames = errors.New("too many gem names")

	// ErrInvalidName is returned for names that cannot be used in storage keys.
	ErrInvalidName = errors.New("invalid gem name")

	// ErrTooLarge is returned for archives over the configured size limit.
	ErrTooLarge = errors.New("archive too large")

	// ErrUpstream is returned when the mirror upstream is unreachable or failing.
	ErrUpstream = errors.New("upstream unavailable")

	// ErrIndexPending is returned when a change was stored but the lease was
	// lost before the index files were rewritten. The change shows up with
	// the next rebuild of the scope.
	ErrIndexPending = errors.New("stored, index rebuild pending")
)

// StorageError records a failed object store operation.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

// Unwrap exposes both ErrStorage and the backend cause to errors.Is.
func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// ArchiveError describes why an archive was rejected.
type ArchiveError struct {
	Reason string
	Err    error // ErrCorruptArchive or ErrMissingMetadata
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Reason)
}

func (e *ArchiveError) Unwrap() error {
	return e.Err
}

// Corrupt returns an ArchiveError wrapping ErrCorruptArchive.
func Corrupt(format string, args ...any) error {
	return &ArchiveError{Reason: fmt.Sprintf(format, args...), Err: ErrCorruptArchive}
}

// Missing returns an ArchiveError wrapping ErrMissingMetadata.
func Missing(format string, args ...any) error {
	return &ArchiveError{Reason: fmt.Sprintf(format, args...), Err: ErrMissingMetadata}
}

// NotFoundError wraps ErrNotFound with additional context.
type NotFoundError struct {
	Scope   string
	Name    string
	Version string
}

func (e *NotFoundError) Error() string {
	if e.Version != "" {
		return fmt.Sprintf("%s: gem %s version %s not found", e.Scope, e.Name, e.Version)
	}
	return fmt.Sprintf("%s: gem %s not found", e.Scope, e.Name)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}
