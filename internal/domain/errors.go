package domain

import "errors"

// Sentinel errors for the domain layer.
var (
	ErrNotFound     = errors.New("domain: not found")
	ErrConflict     = errors.New("domain: conflict")
	ErrUnsealed     = errors.New("domain: record is not sealed")
	ErrInvalidInput = errors.New("domain: invalid input")
)
