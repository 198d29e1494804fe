package relay

import "errors"

var (
	ErrRelayClosed    = errors.New("relay closed")
	ErrMalformedEvent = errors.New("malformed relay event")
)
