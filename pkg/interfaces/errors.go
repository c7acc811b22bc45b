package interfaces

import "errors"

// Common errors shared across store implementations and their callers.
var (
	ErrNoActiveCheckIn = errors.New("no active check-in for user")
	ErrRoomNotFound    = errors.New("room not found")
)
