package domain

import "errors"

var (
	// ErrNotFound is returned by stores when the addressed record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by stores when a write collides with existing state.
	ErrConflict = errors.New("conflict")
)
