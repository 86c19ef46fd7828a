package domain

import "errors"

var (
	// ErrNotFound is returned when a document does not exist in the store.
	ErrNotFound = errors.New("not found")
	// ErrUserNotFound is returned when no user matches a lookup.
	ErrUserNotFound = errors.New("no user with this email address found")
	// ErrEmptyPatch is returned for merge writes that change nothing.
	ErrEmptyPatch = errors.New("merge write had no fields")
	// ErrInvalidTask is returned for task input that fails validation.
	ErrInvalidTask = errors.New("invalid task")
)
