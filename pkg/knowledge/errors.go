package knowledge

import "errors"

var (
	// ErrNotFound indicates no row matched, or the viewer may not see it.
	ErrNotFound = errors.New("knowledge record not found")

	// ErrDuplicateEvent indicates an event id that was already stored.
	// The existing row is left untouched.
	ErrDuplicateEvent = errors.New("duplicate event id")
)
