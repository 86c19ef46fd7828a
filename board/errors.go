package board

import "errors"

var (
	// ErrUnknownColumn is returned for column ids outside the page layout.
	ErrUnknownColumn = errors.New("unknown column")
	// ErrIndexOutOfRange is returned when a drop source index does not
	// address a task.
	ErrIndexOutOfRange = errors.New("index out of range")
	// ErrUnknownView is returned for view names without a layout.
	ErrUnknownView = errors.New("unknown board view")
	// ErrPersisterSaturated is returned when a write could not be handed to
	// a worker in time.
	ErrPersisterSaturated = errors.New("task persister is saturated")
	// ErrPersisterClosed is returned after Shutdown.
	ErrPersisterClosed = errors.New("task persister is closed")
)
