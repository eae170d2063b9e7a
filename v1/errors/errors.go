package errors

import "errors"

var (
	// ErrClosed is reported by every operation on a lock that was destroyed.
	ErrClosed = errors.New("lock closed")

	// ErrNotHeld is reported when releasing a lock nobody holds.
	ErrNotHeld = errors.New("lock not held")

	// ErrHeld is reported when destroying a lock that is still held.
	ErrHeld = errors.New("lock held")

	// ErrInvalidName is reported when a lock is constructed with an empty name.
	ErrInvalidName = errors.New("invalid lock name")
)
