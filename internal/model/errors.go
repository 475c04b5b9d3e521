package model

import "errors"

var (
	// ErrSessionNotFound is returned for missing or expired sessions
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidTransition is returned when a status change would move a session backwards
	ErrInvalidTransition = errors.New("invalid session status transition")
	// ErrMalformedEvent marks an inbound frame that could not be decoded
	ErrMalformedEvent = errors.New("malformed event")
	// ErrStoreUnavailable wraps failures of the shared store
	ErrStoreUnavailable = errors.New("store unavailable")
)
