package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ridehail/pkg/interfaces"
	"ridehail/pkg/types"
)

var errPeerGone = errors.New("peer gone")

type fakeConnection struct {
	id     uuid.UUID
	mu     sync.Mutex
	frames []types.Frame
	err    error
}

func (f *fakeConnection) ID() uuid.UUID { return f.id }
func (f *fakeConnection) Send(frame types.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, frame)
	return nil
}
func (f *fakeConnection) Close() error          { return nil }
func (f *fakeConnection) Done() <-chan struct{} { return nil }

func (f *fakeConnection) received() []types.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Frame(nil), f.frames...)
}

// fakeMembership is a static group table.
type fakeMembership struct {
	groups map[types.GroupKey][]uuid.UUID
	conns  map[uuid.UUID]interfaces.Connection
}

func newFakeMembership() *fakeMembership {
	return &fakeMembership{
		groups: make(map[types.GroupKey][]uuid.UUID),
		conns:  make(map[uuid.UUID]interfaces.Connection),
	}
}

func (m *fakeMembership) add(group types.GroupKey, err error) *fakeConnection {
	conn := &fakeConnection{id: uuid.New(), err: err}
	m.groups[group] = append(m.groups[group], conn.id)
	m.conns[conn.id] = conn
	return conn
}

func (m *fakeMembership) Members(group types.GroupKey) []uuid.UUID {
	return m.groups[group]
}

func (m *fakeMembership) Connection(id uuid.UUID) (interfaces.Connection, bool) {
	c, ok := m.conns[id]
	return c, ok
}

// fakeRelay records publications and lets tests inject inbound envelopes.
type fakeRelay struct {
	mu         sync.Mutex
	published  []types.Envelope
	inbound    chan types.Envelope
	publishErr error
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{inbound: make(chan types.Envelope, 10)}
}

func (r *fakeRelay) Publish(ctx context.Context, group types.GroupKey, frame types.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, types.Envelope{Group: group, Frame: frame})
	return r.publishErr
}

func (r *fakeRelay) Subscribe(ctx context.Context) (<-chan types.Envelope, error) {
	return r.inbound, nil
}

func (r *fakeRelay) Close() error { return nil }

func (r *fakeRelay) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.published)
}

var testFrame = types.Frame{Type: types.MessageTypeEchoMessage, Data: []byte(`{"id":"t1"}`)}

func TestHub_SendReachesEveryMember(t *testing.T) {
	members := newFakeMembership()
	a := members.add(types.DriversGroup, nil)
	b := members.add(types.DriversGroup, nil)
	other := members.add("trip-1", nil)

	h := NewHub(members, nil, zaptest.NewLogger(t))

	report, err := h.Send(context.Background(), types.DriversGroup, testFrame)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Recipients)
	assert.Equal(t, 2, report.Delivered)
	assert.Empty(t, report.Failures)

	assert.Equal(t, []types.Frame{testFrame}, a.received())
	assert.Equal(t, []types.Frame{testFrame}, b.received())
	assert.Empty(t, other.received(), "members of other groups must not receive")
}

func TestHub_SendToEmptyGroup(t *testing.T) {
	h := NewHub(newFakeMembership(), nil, zaptest.NewLogger(t))

	report, err := h.Send(context.Background(), "nobody", testFrame)
	assert.NoError(t, err)
	assert.Equal(t, Report{}, report)
}

func TestHub_DeadPeerDoesNotStopFanOut(t *testing.T) {
	members := newFakeMembership()
	alive1 := members.add(types.DriversGroup, nil)
	dead := members.add(types.DriversGroup, errPeerGone)
	alive2 := members.add(types.DriversGroup, nil)

	h := NewHub(members, nil, zaptest.NewLogger(t))

	report, err := h.Send(context.Background(), types.DriversGroup, testFrame)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Recipients)
	assert.Equal(t, 2, report.Delivered)
	require.Len(t, report.Failures, 1)
	assert.ErrorIs(t, report.Failures[dead.id], errPeerGone)

	assert.Len(t, alive1.received(), 1)
	assert.Len(t, alive2.received(), 1)
}

func TestHub_AllDeliveriesFailed(t *testing.T) {
	members := newFakeMembership()
	members.add(types.DriversGroup, errPeerGone)
	members.add(types.DriversGroup, errPeerGone)

	h := NewHub(members, nil, zaptest.NewLogger(t))

	report, err := h.Send(context.Background(), types.DriversGroup, testFrame)
	assert.ErrorIs(t, err, ErrAllDeliveriesFailed)
	assert.ErrorIs(t, err, errPeerGone)
	assert.Equal(t, 0, report.Delivered)
	assert.Len(t, report.Failures, 2)
}

func TestHub_MemberVanishedBetweenSnapshotAndLookup(t *testing.T) {
	members := newFakeMembership()
	alive := members.add(types.DriversGroup, nil)
	ghost := uuid.New()
	members.groups[types.DriversGroup] = append(members.groups[types.DriversGroup], ghost)

	h := NewHub(members, nil, zaptest.NewLogger(t))

	report, err := h.Send(context.Background(), types.DriversGroup, testFrame)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Delivered)
	assert.Contains(t, report.Failures, ghost)
	assert.Len(t, alive.received(), 1)
}

func TestHub_SendPublishesToRelay(t *testing.T) {
	members := newFakeMembership()
	members.add(types.DriversGroup, nil)
	relay := newFakeRelay()

	h := NewHub(members, relay, zaptest.NewLogger(t))

	_, err := h.Send(context.Background(), types.DriversGroup, testFrame)
	require.NoError(t, err)
	assert.Equal(t, 1, relay.count())

	// Publish happens even with no local members, peers may have some.
	_, err = h.Send(context.Background(), "trip-elsewhere", testFrame)
	require.NoError(t, err)
	assert.Equal(t, 2, relay.count())
}

func TestHub_RelayFailureIsNotDeliveryFailure(t *testing.T) {
	members := newFakeMembership()
	conn := members.add(types.DriversGroup, nil)
	relay := newFakeRelay()
	relay.publishErr = errors.New("redis down")

	h := NewHub(members, relay, zaptest.NewLogger(t))

	report, err := h.Send(context.Background(), types.DriversGroup, testFrame)
	assert.NoError(t, err)
	assert.Equal(t, 1, report.Delivered)
	assert.Len(t, conn.received(), 1)
}

func TestHub_RelayedFramesDeliveredLocally(t *testing.T) {
	members := newFakeMembership()
	conn := members.add(types.DriversGroup, nil)
	relay := newFakeRelay()

	h := NewHub(members, relay, zaptest.NewLogger(t))
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	relay.inbound <- types.Envelope{Origin: "node-b", Group: types.DriversGroup, Frame: testFrame}

	require.Eventually(t, func() bool {
		return len(conn.received()) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, relay.count(), "relayed frames must not be republished")
}

func TestHub_StartStop(t *testing.T) {
	h := NewHub(newFakeMembership(), newFakeRelay(), zaptest.NewLogger(t))

	assert.ErrorIs(t, h.Stop(), ErrHubNotRunning)

	require.NoError(t, h.Start(context.Background()))
	assert.True(t, h.IsRunning())
	assert.ErrorIs(t, h.Start(context.Background()), ErrHubAlreadyRunning)

	require.NoError(t, h.Stop())
	assert.False(t, h.IsRunning())

	// Restartable after stop.
	require.NoError(t, h.Start(context.Background()))
	require.NoError(t, h.Stop())
}

func TestHub_StartWithoutRelay(t *testing.T) {
	h := NewHub(newFakeMembership(), nil, zaptest.NewLogger(t))

	require.NoError(t, h.Start(context.Background()))
	require.NoError(t, h.Stop())
}

func TestHub_ConcurrentSends(t *testing.T) {
	members := newFakeMembership()
	conn := members.add(types.DriversGroup, nil)

	h := NewHub(members, nil, zaptest.NewLogger(t))

	const numGoroutines = 20
	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			_, _ = h.Send(context.Background(), types.DriversGroup, testFrame)
		}()
	}
	wg.Wait()

	assert.Len(t, conn.received(), numGoroutines)
}
