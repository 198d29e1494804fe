package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ridehail/internal/hub"
	"ridehail/internal/websocket"
	"ridehail/pkg/types"
)

var errPeerGone = errors.New("peer gone")

// memoryStore is an in-memory interfaces.TripStore that counts mutations.
type memoryStore struct {
	mu        sync.Mutex
	trips     map[string]*types.Trip
	mutations int
	err       error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{trips: make(map[string]*types.Trip)}
}

func (s *memoryStore) CreateTrip(ctx context.Context, riderID string, payload *types.TripPayload) (*types.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	trip := &types.Trip{
		ID:             uuid.NewString(),
		Created:        now,
		Updated:        now,
		PickupAddress:  payload.PickupAddress,
		DropOffAddress: payload.DropOffAddress,
		Status:         payload.Status,
		RiderID:        riderID,
	}
	s.trips[trip.ID] = trip
	s.mutations++
	copied := *trip
	return &copied, nil
}

func (s *memoryStore) UpdateTrip(ctx context.Context, update *types.TripUpdate) (*types.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	trip, ok := s.trips[update.ID]
	if !ok {
		return nil, types.ErrTripNotFound
	}
	if trip.Status.Terminal() {
		return nil, types.ErrTripClosed
	}
	if update.DriverID != "" {
		if trip.DriverID != nil && *trip.DriverID != update.DriverID {
			return nil, types.ErrTripAlreadyAssigned
		}
		driver := update.DriverID
		trip.DriverID = &driver
	}
	if update.Status != "" {
		trip.Status = update.Status
	}
	trip.Updated = time.Now().UTC()
	s.mutations++
	copied := *trip
	return &copied, nil
}

func (s *memoryStore) GetTrip(ctx context.Context, tripID string) (*types.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	trip, ok := s.trips[tripID]
	if !ok {
		return nil, types.ErrTripNotFound
	}
	copied := *trip
	return &copied, nil
}

func (s *memoryStore) ActiveTripIDsFor(ctx context.Context, userID string, role types.Role) ([]string, error) {
	return nil, nil
}

func (s *memoryStore) ListTripsFor(ctx context.Context, userID string, role types.Role) ([]*types.Trip, error) {
	return nil, nil
}

func (s *memoryStore) HealthCheck(ctx context.Context) error { return nil }
func (s *memoryStore) Close() error                          { return nil }

func (s *memoryStore) mutationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutations
}

func (s *memoryStore) seed(trip *types.Trip) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trips[trip.ID] = trip
}

// recordingConnection is an interfaces.Connection that records frames.
type recordingConnection struct {
	id     uuid.UUID
	mu     sync.Mutex
	frames []types.Frame
	err    error
}

func (c *recordingConnection) ID() uuid.UUID { return c.id }
func (c *recordingConnection) Send(frame types.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, frame)
	return nil
}
func (c *recordingConnection) Close() error          { return nil }
func (c *recordingConnection) Done() <-chan struct{} { return nil }

func (c *recordingConnection) received() []types.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Frame(nil), c.frames...)
}

// testCaller is a registered connection acting as an interfaces.Caller.
type testCaller struct {
	*recordingConnection
	userID string
	role   types.Role
}

func (c *testCaller) ConnectionID() uuid.UUID       { return c.id }
func (c *testCaller) UserID() string                { return c.userID }
func (c *testCaller) Role() types.Role              { return c.role }
func (c *testCaller) Reply(frame types.Frame) error { return c.Send(frame) }

type coordinatorFixture struct {
	store       *memoryStore
	registry    *websocket.Registry
	coordinator *Coordinator
}

func newCoordinatorFixture(t *testing.T, limiter *RateLimiter) *coordinatorFixture {
	logger := zaptest.NewLogger(t)
	store := newMemoryStore()
	registry := websocket.NewRegistry(logger)
	broadcaster := hub.NewHub(registry, nil, logger)
	return &coordinatorFixture{
		store:       store,
		registry:    registry,
		coordinator: NewCoordinator(store, registry, broadcaster, limiter, logger),
	}
}

// connect registers a new caller, joining the drivers group for drivers.
func (f *coordinatorFixture) connect(t *testing.T, userID string, role types.Role) *testCaller {
	t.Helper()
	caller := &testCaller{
		recordingConnection: &recordingConnection{id: uuid.New()},
		userID:              userID,
		role:                role,
	}
	require.NoError(t, f.registry.Register(caller.recordingConnection))
	if role == types.RoleDriver {
		require.NoError(t, f.registry.Join(types.DriversGroup, caller.id))
	}
	return caller
}

func (f *coordinatorFixture) route(t *testing.T, caller *testCaller, msgType string, data interface{}) error {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return f.coordinator.Route(context.Background(), caller, types.Frame{Type: msgType, Data: raw})
}

// decodeTrip reads a nested trip echo frame.
func decodeTrip(t *testing.T, frame types.Frame) map[string]interface{} {
	t.Helper()
	require.Equal(t, types.MessageTypeEchoMessage, frame.Type)
	var trip map[string]interface{}
	require.NoError(t, json.Unmarshal(frame.Data, &trip))
	return trip
}

func decodeError(t *testing.T, frame types.Frame) types.ErrorPayload {
	t.Helper()
	require.Equal(t, types.MessageTypeError, frame.Type)
	var payload types.ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Data, &payload))
	return payload
}

func seedTrip(store *memoryStore, riderID string, driverID *string, status types.TripStatus) *types.Trip {
	now := time.Now().UTC()
	trip := &types.Trip{
		ID:             uuid.NewString(),
		Created:        now,
		Updated:        now,
		PickupAddress:  "123 Main St",
		DropOffAddress: "456 Elm St",
		Status:         status,
		RiderID:        riderID,
		DriverID:       driverID,
	}
	store.seed(trip)
	copied := *trip
	return &copied
}
