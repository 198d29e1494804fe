package websocket

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ridehail/pkg/types"
)

// fakeConnection is an in-memory interfaces.Connection.
type fakeConnection struct {
	id   uuid.UUID
	done chan struct{}
	once sync.Once
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{id: uuid.New(), done: make(chan struct{})}
}

func (f *fakeConnection) ID() uuid.UUID               { return f.id }
func (f *fakeConnection) Send(frame types.Frame) error { return nil }
func (f *fakeConnection) Done() <-chan struct{}       { return f.done }
func (f *fakeConnection) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func newTestRegistry(t *testing.T) *Registry {
	return NewRegistry(zaptest.NewLogger(t))
}

// Functional Validation Tests
func TestRegistry_NewRegistryInitialization(t *testing.T) {
	registry := newTestRegistry(t)

	assert.Equal(t, Stats{}, registry.GetStats())
	assert.Empty(t, registry.Members(types.DriversGroup))
}

func TestRegistry_RegisterValidation(t *testing.T) {
	registry := newTestRegistry(t)

	assert.ErrorIs(t, registry.Register(nil), ErrNilConnection)

	conn := newFakeConnection()
	require.NoError(t, registry.Register(conn))
	assert.ErrorIs(t, registry.Register(conn), ErrConnectionAlreadyRegistered)

	got, ok := registry.Connection(conn.ID())
	require.True(t, ok)
	assert.Equal(t, conn.ID(), got.ID())
}

func TestRegistry_JoinRequiresRegistration(t *testing.T) {
	registry := newTestRegistry(t)
	conn := newFakeConnection()

	assert.ErrorIs(t, registry.Join(types.DriversGroup, conn.ID()), ErrConnectionNotRegistered)

	require.NoError(t, registry.Register(conn))
	assert.ErrorIs(t, registry.Join("", conn.ID()), ErrEmptyGroupKey)
	assert.NoError(t, registry.Join(types.DriversGroup, conn.ID()))
}

func TestRegistry_JoinIsIdempotent(t *testing.T) {
	registry := newTestRegistry(t)
	conn := newFakeConnection()
	require.NoError(t, registry.Register(conn))

	require.NoError(t, registry.Join(types.DriversGroup, conn.ID()))
	require.NoError(t, registry.Join(types.DriversGroup, conn.ID()))

	assert.Len(t, registry.Members(types.DriversGroup), 1)
	assert.Len(t, registry.Groups(conn.ID()), 1)
}

func TestRegistry_MembershipConsistency(t *testing.T) {
	registry := newTestRegistry(t)
	a, b := newFakeConnection(), newFakeConnection()
	require.NoError(t, registry.Register(a))
	require.NoError(t, registry.Register(b))

	trip := types.TripGroup(uuid.NewString())

	require.NoError(t, registry.Join(types.DriversGroup, a.ID()))
	require.NoError(t, registry.Join(trip, a.ID()))
	require.NoError(t, registry.Join(trip, b.ID()))

	// Every group a connection lists must list the connection back.
	for _, conn := range []*fakeConnection{a, b} {
		for _, g := range registry.Groups(conn.ID()) {
			assert.Contains(t, registry.Members(g), conn.ID())
		}
	}
	assert.ElementsMatch(t, []types.GroupKey{types.DriversGroup, trip}, registry.Groups(a.ID()))
	assert.ElementsMatch(t, []uuid.UUID{a.ID(), b.ID()}, registry.Members(trip))

	registry.Leave(trip, a.ID())
	assert.ElementsMatch(t, []types.GroupKey{types.DriversGroup}, registry.Groups(a.ID()))
	assert.ElementsMatch(t, []uuid.UUID{b.ID()}, registry.Members(trip))
}

func TestRegistry_LeaveDropsEmptyGroups(t *testing.T) {
	registry := newTestRegistry(t)
	conn := newFakeConnection()
	require.NoError(t, registry.Register(conn))

	trip := types.TripGroup(uuid.NewString())
	require.NoError(t, registry.Join(trip, conn.ID()))
	assert.Equal(t, 1, registry.GetStats().Groups)

	registry.Leave(trip, conn.ID())
	assert.Equal(t, 0, registry.GetStats().Groups)

	// Leaving again is a no-op.
	registry.Leave(trip, conn.ID())
	assert.Empty(t, registry.Members(trip))
}

func TestRegistry_LeaveAllIsIdempotent(t *testing.T) {
	registry := newTestRegistry(t)
	conn := newFakeConnection()
	require.NoError(t, registry.Register(conn))

	trips := []types.GroupKey{
		types.TripGroup(uuid.NewString()),
		types.TripGroup(uuid.NewString()),
	}
	require.NoError(t, registry.Join(types.DriversGroup, conn.ID()))
	for _, g := range trips {
		require.NoError(t, registry.Join(g, conn.ID()))
	}

	left := registry.LeaveAll(conn.ID())
	assert.ElementsMatch(t, append(trips, types.DriversGroup), left)
	assert.Empty(t, registry.Groups(conn.ID()))
	assert.Equal(t, 0, registry.GetStats().Groups)

	assert.Empty(t, registry.LeaveAll(conn.ID()))

	// Still registered after LeaveAll, so it may join again.
	assert.NoError(t, registry.Join(types.DriversGroup, conn.ID()))
}

func TestRegistry_UnregisterRemovesEverything(t *testing.T) {
	registry := newTestRegistry(t)
	conn := newFakeConnection()
	other := newFakeConnection()
	require.NoError(t, registry.Register(conn))
	require.NoError(t, registry.Register(other))

	require.NoError(t, registry.Join(types.DriversGroup, conn.ID()))
	require.NoError(t, registry.Join(types.DriversGroup, other.ID()))

	left := registry.Unregister(conn.ID())
	assert.Equal(t, []types.GroupKey{types.DriversGroup}, left)

	_, ok := registry.Connection(conn.ID())
	assert.False(t, ok)
	assert.Equal(t, []uuid.UUID{other.ID()}, registry.Members(types.DriversGroup))
	assert.ErrorIs(t, registry.Join(types.DriversGroup, conn.ID()), ErrConnectionNotRegistered)

	assert.Empty(t, registry.Unregister(conn.ID()))
}

func TestRegistry_GroupIsolation(t *testing.T) {
	registry := newTestRegistry(t)
	rider, driver := newFakeConnection(), newFakeConnection()
	require.NoError(t, registry.Register(rider))
	require.NoError(t, registry.Register(driver))

	tripA := types.TripGroup(uuid.NewString())
	tripB := types.TripGroup(uuid.NewString())
	require.NoError(t, registry.Join(tripA, rider.ID()))
	require.NoError(t, registry.Join(types.DriversGroup, driver.ID()))
	require.NoError(t, registry.Join(tripB, driver.ID()))

	assert.NotContains(t, registry.Members(tripA), driver.ID())
	assert.NotContains(t, registry.Members(tripB), rider.ID())
	assert.NotContains(t, registry.Members(types.DriversGroup), rider.ID())
}

func TestRegistry_GetStats(t *testing.T) {
	registry := newTestRegistry(t)

	for i := 0; i < 3; i++ {
		conn := newFakeConnection()
		require.NoError(t, registry.Register(conn))
		require.NoError(t, registry.Join(types.DriversGroup, conn.ID()))
	}
	rider := newFakeConnection()
	require.NoError(t, registry.Register(rider))
	require.NoError(t, registry.Join(types.TripGroup(uuid.NewString()), rider.ID()))

	assert.Equal(t, Stats{Connections: 4, Groups: 2, Drivers: 3}, registry.GetStats())
}

// Technical Validation Tests (Race Detection)
func TestRegistry_ConcurrentOperations(t *testing.T) {
	registry := newTestRegistry(t)

	const numGoroutines = 50
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(i int) {
			defer wg.Done()

			conn := newFakeConnection()
			if err := registry.Register(conn); err != nil {
				t.Errorf("Register failed: %v", err)
				return
			}
			trip := types.TripGroup(fmt.Sprintf("trip-%d", i%5))
			_ = registry.Join(types.DriversGroup, conn.ID())
			_ = registry.Join(trip, conn.ID())
			_ = registry.Members(trip)
			_ = registry.GetStats()
			registry.Leave(trip, conn.ID())
			registry.Unregister(conn.ID())
		}(i)
	}

	wg.Wait()

	assert.Equal(t, Stats{}, registry.GetStats())
}
