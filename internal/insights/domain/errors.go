package insights

import "errors"

var (
	// ErrNotFound indicates a missing insight record.
	ErrNotFound = errors.New("insight: not found")
	// ErrConflict indicates a concurrent writer won the active-key race.
	ErrConflict = errors.New("insight: active key conflict")
	// ErrInvalidKey indicates an incomplete insight key.
	ErrInvalidKey = errors.New("insight: invalid key")
)
