package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrUnauthorized       = errors.New("unauthorized access")
)
