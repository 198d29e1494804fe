package interfaces

import (
	"context"

	"github.com/google/uuid"

	"ridehail/pkg/types"
)

// Caller is the authenticated sender of an inbound frame.
type Caller interface {
	ConnectionID() uuid.UUID
	UserID() string
	Role() types.Role

	// Reply sends a frame directly to the caller's connection.
	Reply(frame types.Frame) error
}

// MessageRouter dispatches one inbound frame.
// FUNCTIONAL DISCOVERY: Handler failures are reported to the caller by the
// router itself; the returned error is for logging only, except
// ErrUnknownMessageType which the caller decides how to surface.
type MessageRouter interface {
	Route(ctx context.Context, caller Caller, frame types.Frame) error
}
