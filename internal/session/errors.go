package session

import "errors"

// Session lifecycle errors
var (
	ErrAnonymous      = errors.New("anonymous connection rejected")
	ErrOpenFailed     = errors.New("session open failed")
	ErrInvalidState   = errors.New("operation not allowed in current session state")
	ErrMalformedFrame = errors.New("malformed frame")
)
