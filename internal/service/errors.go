package service

import "errors"

var (
	// ErrInvalidInput marks requests rejected before any side effect.
	ErrInvalidInput = errors.New("invalid input")
	// ErrRecordWrite marks a failed notification record insert.
	ErrRecordWrite = errors.New("notification record write failed")
)
