package interfaces

import (
	"context"

	"ridehail/pkg/types"
)

// TripStore persists trips. Each call is a single suspension point with its
// own failure mode; the store provides row-level atomicity for updates.
type TripStore interface {
	// CreateTrip validates and persists a new trip requested by riderID.
	// Returns a *types.ValidationError for malformed payloads.
	CreateTrip(ctx context.Context, riderID string, payload *types.TripPayload) (*types.Trip, error)

	// UpdateTrip applies update to an existing trip. A non-empty
	// update.DriverID assigns the driver; assigning a trip that already has
	// a different driver returns types.ErrTripAlreadyAssigned.
	// Returns types.ErrTripNotFound for unknown ids.
	UpdateTrip(ctx context.Context, update *types.TripUpdate) (*types.Trip, error)

	// GetTrip retrieves a trip by id.
	GetTrip(ctx context.Context, tripID string) (*types.Trip, error)

	// ActiveTripIDsFor returns ids of trips the user is party to in the given
	// role, excluding COMPLETED and CANCELED trips.
	ActiveTripIDsFor(ctx context.Context, userID string, role types.Role) ([]string, error)

	// ListTripsFor returns every trip the user is party to, newest first.
	ListTripsFor(ctx context.Context, userID string, role types.Role) ([]*types.Trip, error)

	// HealthCheck verifies store connectivity.
	HealthCheck(ctx context.Context) error

	// Close releases store resources.
	Close() error
}
