package types

import "errors"

// Domain validation errors shared across components.
var (
	ErrInvalidUserID   = errors.New("user ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidRoomName = errors.New("room name must be 1-100 characters")
	ErrInvalidTopic    = errors.New("study topic must be at most 200 characters")
	ErrInvalidUsername = errors.New("username must be 1-50 characters")
	ErrInvalidCommand  = errors.New("invalid command type")
)
