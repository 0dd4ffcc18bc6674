package aconfigd

import "fmt"

// Semantic errors: the request was well-formed but the daemon's flag state
// says no, not an I/O or protocol failure.
var (
	ErrFlagDoesNotExist       = fmt.Errorf("aconfigd: flag does not exist")
	ErrFlagIsReadOnly         = fmt.Errorf("aconfigd: flag is read-only")
	ErrFlagHasNoLocalOverride = fmt.Errorf("aconfigd: flag has no local override")
	ErrInvalidFlagValue       = fmt.Errorf("aconfigd: invalid flag value")
	ErrInvalidFlagValueType   = fmt.Errorf("aconfigd: invalid flag value type")
)

// Lookup errors: the addressed container or its storage files are absent.
var (
	ErrFailToFindContainer   = fmt.Errorf("aconfigd: fail to find container")
	ErrFailToGetStorageFiles = fmt.Errorf("aconfigd: fail to get storage files")
)

// Protocol/socket errors: the request itself or its framing was malformed.
var (
	ErrInvalidSocketRequest = fmt.Errorf("aconfigd: invalid socket request")
	ErrSocketIO             = fmt.Errorf("aconfigd: socket I/O error")
)

// ErrInternal reports a logic violation the caller could not have caused
// by any request shape - an invariant this daemon itself broke. Per spec.md
// §7 item 9, these are surfaced, never silently swallowed.
var ErrInternal = fmt.Errorf("aconfigd: internal error")

// WithFlag annotates err with the (package, flag) pair it concerns, the way
// the original's thiserror variants carry a `flag` field.
func WithFlag(err error, pkg, flag string) error {
	return fmt.Errorf("%w: %s.%s", err, pkg, flag)
}

// WithContainer annotates err with the container name it concerns.
func WithContainer(err error, container string) error {
	return fmt.Errorf("%w: container %q", err, container)
}

// WithFile annotates err with the path it concerns.
func WithFile(err error, path string) error {
	return fmt.Errorf("%w: %s", err, path)
}
