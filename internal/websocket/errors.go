package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendQueueFull    = errors.New("outbound queue full")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection               = errors.New("connection cannot be nil")
	ErrConnectionAlreadyRegistered = errors.New("connection already registered")
	ErrConnectionNotRegistered     = errors.New("connection must be registered before joining groups")
	ErrEmptyGroupKey               = errors.New("group key cannot be empty")
)

// Handler-related errors
var (
	ErrAnonymousConnection = errors.New("anonymous connection rejected")
)
