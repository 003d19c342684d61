package protocol

import "errors"

var (
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	ErrInvalidMessage = errors.New("protocol: invalid message")
	ErrEmptyCommand   = errors.New("protocol: empty command")
)
