package store

import "errors"

var (
	// ErrEmptyKey indicates a key parameter is missing or zero
	ErrEmptyKey = errors.New("empty_key")
)
