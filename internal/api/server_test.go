package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ridehail/internal/session"
	"ridehail/internal/websocket"
	"ridehail/pkg/interfaces"
	"ridehail/pkg/types"
)

const (
	riderTripID = "0d9b3c1e-2f7a-4a61-9d1e-5b8c7a6f4e21"
	otherTripID = "7c1f2e3d-4b5a-4968-8a7b-6c5d4e3f2a10"
)

// mockStore serves a fixed set of trips.
type mockStore struct {
	interfaces.TripStore
	trips     map[string]*types.Trip
	healthErr error
	listErr   error
}

func newMockStore() *mockStore {
	driver := "driver1"
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &mockStore{trips: map[string]*types.Trip{
		riderTripID: {
			ID: riderTripID, Created: now, Updated: now,
			PickupAddress: "123 Main St", DropOffAddress: "456 Elm St",
			Status: types.TripStatusStarted, RiderID: "rider1", DriverID: &driver,
		},
		otherTripID: {
			ID: otherTripID, Created: now, Updated: now,
			PickupAddress: "1 First Ave", DropOffAddress: "2 Second Ave",
			Status: types.TripStatusRequested, RiderID: "rider2",
		},
	}}
}

func (m *mockStore) GetTrip(ctx context.Context, tripID string) (*types.Trip, error) {
	trip, ok := m.trips[tripID]
	if !ok {
		return nil, types.ErrTripNotFound
	}
	return trip, nil
}

func (m *mockStore) ListTripsFor(ctx context.Context, userID string, role types.Role) ([]*types.Trip, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*types.Trip
	for _, trip := range m.trips {
		switch {
		case role == types.RoleRider && trip.RiderID == userID,
			role == types.RoleDriver && trip.DriverID != nil && *trip.DriverID == userID:
			out = append(out, trip)
		}
	}
	return out, nil
}

func (m *mockStore) HealthCheck(ctx context.Context) error { return m.healthErr }

// bearerIdentity maps bearer tokens straight to principals.
type bearerIdentity map[string]types.Principal

func (b bearerIdentity) Resolve(ctx context.Context, r *http.Request) (types.Principal, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if p, ok := b[token]; ok {
		return p, nil
	}
	return types.Principal{Role: types.RoleAnonymous}, nil
}

type mockConnections struct{ stats websocket.Stats }

func (m mockConnections) GetStats() websocket.Stats { return m.stats }

type mockSessions struct{ stats session.Stats }

func (m mockSessions) GetStats() session.Stats { return m.stats }

func newTestServer(t *testing.T, store *mockStore) *Server {
	t.Helper()
	identity := bearerIdentity{
		"rider1":  {UserID: "rider1", Role: types.RoleRider},
		"rider2":  {UserID: "rider2", Role: types.RoleRider},
		"driver1": {UserID: "driver1", Role: types.RoleDriver},
	}
	return NewServer(store, identity,
		mockConnections{websocket.Stats{Connections: 3, Groups: 2, Drivers: 1}},
		mockSessions{session.Stats{Total: 3, Riders: 2, Drivers: 1}},
		nil, zaptest.NewLogger(t))
}

func doRequest(server *Server, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	return w
}

func TestServer_ListTrips(t *testing.T) {
	server := newTestServer(t, newMockStore())

	w := doRequest(server, http.MethodGet, "/api/trips", "rider1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var trips []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trips))
	require.Len(t, trips, 1)
	assert.Equal(t, riderTripID, trips[0]["id"])
	// Flat serialization: participants are plain ids.
	assert.Equal(t, "rider1", trips[0]["rider"])
	assert.Equal(t, "driver1", trips[0]["driver"])

	w = doRequest(server, http.MethodGet, "/api/trips", "driver1")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trips))
	assert.Len(t, trips, 1)
}

func TestServer_ListTripsEmptyIsArray(t *testing.T) {
	store := newMockStore()
	store.trips = map[string]*types.Trip{}
	server := newTestServer(t, store)

	w := doRequest(server, http.MethodGet, "/api/trips", "rider1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestServer_ListTripsStoreFailure(t *testing.T) {
	store := newMockStore()
	store.listErr = errors.New("disk on fire")
	server := newTestServer(t, store)

	w := doRequest(server, http.MethodGet, "/api/trips", "rider1")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "disk on fire")
}

func TestServer_GetTrip(t *testing.T) {
	server := newTestServer(t, newMockStore())

	tests := []struct {
		name   string
		token  string
		path   string
		status int
	}{
		{"rider owns trip", "rider1", "/api/trips/" + riderTripID, http.StatusOK},
		{"assigned driver", "driver1", "/api/trips/" + riderTripID, http.StatusOK},
		{"someone else's trip", "rider2", "/api/trips/" + riderTripID, http.StatusNotFound},
		{"unknown trip", "rider1", "/api/trips/00000000-0000-0000-0000-000000000000", http.StatusNotFound},
		{"anonymous", "", "/api/trips/" + riderTripID, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(server, http.MethodGet, tt.path, tt.token)
			assert.Equal(t, tt.status, w.Code)

			if tt.status != http.StatusOK {
				var resp ErrorResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Equal(t, tt.status, resp.Code)
				return
			}

			var trip map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trip))
			assert.Equal(t, riderTripID, trip["id"])
			assert.Equal(t, string(types.TripStatusStarted), trip["status"])
		})
	}
}

func TestServer_ListTripsRequiresAuthentication(t *testing.T) {
	server := newTestServer(t, newMockStore())

	w := doRequest(server, http.MethodGet, "/api/trips", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServer_HealthCheck(t *testing.T) {
	server := newTestServer(t, newMockStore())

	w := doRequest(server, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, 3, resp.Connections.Connections)
	assert.Equal(t, 1, resp.Connections.Drivers)
	assert.Equal(t, 2, resp.Sessions.Riders)
}

func TestServer_HealthCheckUnhealthy(t *testing.T) {
	store := newMockStore()
	store.healthErr = errors.New("database locked")
	server := newTestServer(t, store)

	w := doRequest(server, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Contains(t, resp.Database, "database locked")
}

func TestServer_CORSMiddleware(t *testing.T) {
	server := newTestServer(t, newMockStore())

	w := doRequest(server, http.MethodOptions, "/api/trips", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestServer_MethodNotAllowed(t *testing.T) {
	server := newTestServer(t, newMockStore())

	w := doRequest(server, http.MethodDelete, "/api/trips/"+riderTripID, "rider1")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestServer_WebSocketRoutes(t *testing.T) {
	var hits int
	ws := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusTeapot)
	})
	server := NewServer(newMockStore(), bearerIdentity{}, mockConnections{}, mockSessions{}, ws, zaptest.NewLogger(t))

	for _, path := range []string{"/ws", "/taxi/"} {
		w := doRequest(server, http.MethodGet, path, "")
		assert.Equal(t, http.StatusTeapot, w.Code, path)
	}
	assert.Equal(t, 2, hits)
}
