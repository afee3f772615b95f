package db

import "errors"

var (
	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("cache store is closed")
	// ErrUnknownDriver is returned when no backend is registered for a driver name.
	ErrUnknownDriver = errors.New("unknown cache driver")
	// ErrPoolExhausted is returned when the context ends while waiting for a pooled connection.
	ErrPoolExhausted = errors.New("no cache connection available")
)
