package models

import "errors"

// Error kinds shared by the store, the services and the HTTP layer.
var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflicting state")
	ErrUnauthorized = errors.New("authentication failure")
	ErrRateLimited  = errors.New("rate limit exceeded")
)
