package app

import "errors"

var (
	// ErrUnknownBackend indicates a store or prefs backend name that is not wired.
	ErrUnknownBackend = errors.New("unknown backend")
)
