package interfaces

import (
	"context"

	"ridehail/pkg/types"
)

// Relay forwards broadcasts to peer nodes sharing the same group namespace.
type Relay interface {
	// Publish sends a frame addressed to group to every peer node.
	Publish(ctx context.Context, group types.GroupKey, frame types.Frame) error

	// Subscribe returns the stream of broadcasts published by other nodes.
	// The channel is closed when ctx is cancelled or the relay closes.
	Subscribe(ctx context.Context) (<-chan types.Envelope, error)

	Close() error
}
