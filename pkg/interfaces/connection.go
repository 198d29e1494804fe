package interfaces

import (
	"github.com/google/uuid"

	"ridehail/pkg/types"
)

// Connection is one live duplex channel to a client.
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// so the registry and broadcaster can be exercised with in-memory fakes.
type Connection interface {
	// ID returns the process-unique connection id.
	ID() uuid.UUID

	// Send enqueues a frame on the outbound queue without blocking.
	// Frames sent to one connection are written in Send order.
	Send(frame types.Frame) error

	// Close closes the connection. Safe to call more than once.
	Close() error

	// Done is closed once the connection has shut down.
	Done() <-chan struct{}
}
