package streamproto

import "errors"

// Errors returned when decoding wire frames.
var (
	ErrMalformedFrame = errors.New("streamproto: malformed frame")
	ErrFieldOverflow  = errors.New("streamproto: field value out of range")
)
