package urlnorm

import "errors"

var (
	// ErrInvalidInput indicates empty or unparsable input
	ErrInvalidInput = errors.New("invalid_input")

	// ErrUnrecognized indicates the input parsed but no supported platform matched it
	ErrUnrecognized = errors.New("unrecognized")
)
