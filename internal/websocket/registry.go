package websocket

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ridehail/pkg/interfaces"
	"ridehail/pkg/types"
)

// Registry tracks live connections and their broadcast group memberships.
// ARCHITECTURAL DISCOVERY: groups and memberships are two views of one
// relation and are only ever mutated together under mu, so a connection's
// joined groups always equal the groups that list it.
type Registry struct {
	mu          sync.RWMutex
	connections map[uuid.UUID]interfaces.Connection      // connID -> live handle
	groups      map[types.GroupKey]map[uuid.UUID]struct{} // group -> members
	memberships map[uuid.UUID]map[types.GroupKey]struct{} // connID -> joined groups
	logger      *zap.Logger
}

// Stats is a point-in-time view of registry size.
type Stats struct {
	Connections int `json:"total_connections"`
	Groups      int `json:"active_groups"`
	Drivers     int `json:"connected_drivers"`
}

// NewRegistry creates a new connection registry
// FUNCTIONAL DISCOVERY: Initialize all maps to prevent nil pointer access during concurrent operations
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		connections: make(map[uuid.UUID]interfaces.Connection),
		groups:      make(map[types.GroupKey]map[uuid.UUID]struct{}),
		memberships: make(map[uuid.UUID]map[types.GroupKey]struct{}),
		logger:      logger.Named("registry"),
	}
}

// Register makes an authenticated connection eligible for group membership
// and broadcast delivery.
func (r *Registry) Register(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	id := conn.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[id]; exists {
		return ErrConnectionAlreadyRegistered
	}
	r.connections[id] = conn
	r.memberships[id] = make(map[types.GroupKey]struct{})
	return nil
}

// Unregister drops the connection from every group and forgets its handle.
// Idempotent; returns the groups the connection was removed from.
func (r *Registry) Unregister(connID uuid.UUID) []types.GroupKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	left := r.leaveAllLocked(connID)
	delete(r.memberships, connID)
	delete(r.connections, connID)
	return left
}

// Connection returns the live handle for connID.
func (r *Registry) Connection(connID uuid.UUID) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.connections[connID]
	return conn, ok
}

// Join adds connID to group, creating the group if needed. Joining twice is
// a no-op.
func (r *Registry) Join(group types.GroupKey, connID uuid.UUID) error {
	if group == "" {
		return ErrEmptyGroupKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	joined, ok := r.memberships[connID]
	if !ok {
		return ErrConnectionNotRegistered
	}

	members, exists := r.groups[group]
	if !exists {
		members = make(map[uuid.UUID]struct{})
		r.groups[group] = members
	}
	members[connID] = struct{}{}
	joined[group] = struct{}{}

	r.logger.Debug("joined group", zap.String("group", string(group)), zap.Stringer("conn_id", connID))
	return nil
}

// Leave removes connID from group. Leaving a group one is not in is a no-op.
func (r *Registry) Leave(group types.GroupKey, connID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(group, connID)
	if joined, ok := r.memberships[connID]; ok {
		delete(joined, group)
	}
}

// Members returns a snapshot of the connection ids in group.
func (r *Registry) Members(group types.GroupKey) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.groups[group]
	ids := make([]uuid.UUID, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}

// LeaveAll removes connID from every group it belongs to. The work is
// proportional to the connection's own memberships, not to the registry size.
func (r *Registry) LeaveAll(connID uuid.UUID) []types.GroupKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.leaveAllLocked(connID)
}

// Groups returns a snapshot of the groups connID belongs to.
func (r *Registry) Groups(connID uuid.UUID) []types.GroupKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	joined := r.memberships[connID]
	groups := make([]types.GroupKey, 0, len(joined))
	for g := range joined {
		groups = append(groups, g)
	}
	return groups
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		Connections: len(r.connections),
		Groups:      len(r.groups),
		Drivers:     len(r.groups[types.DriversGroup]),
	}
}

func (r *Registry) leaveAllLocked(connID uuid.UUID) []types.GroupKey {
	joined := r.memberships[connID]
	if len(joined) == 0 {
		return nil
	}

	left := make([]types.GroupKey, 0, len(joined))
	for group := range joined {
		r.removeLocked(group, connID)
		left = append(left, group)
	}
	r.memberships[connID] = make(map[types.GroupKey]struct{})
	return left
}

// removeLocked deletes connID from group's member set and drops the group
// once empty.
// TECHNICAL DISCOVERY: Clean up empty maps to prevent memory leaks
func (r *Registry) removeLocked(group types.GroupKey, connID uuid.UUID) {
	members, ok := r.groups[group]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.groups, group)
	}
}
