package session

import "errors"

var (
	// ErrReadOnly is returned when an edit arrives outside edit mode.
	ErrReadOnly = errors.New("view is not in edit mode")
	// ErrViewNotFound is returned by the registry for unknown or evicted views.
	ErrViewNotFound = errors.New("view not found")
	// ErrClosed is returned by a view after Close.
	ErrClosed = errors.New("view is closed")
)
