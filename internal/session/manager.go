package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ridehail/pkg/interfaces"
	"ridehail/pkg/types"
)

// Manager creates sessions and tracks the live ones
type Manager struct {
	deps           Dependencies
	activeSessions map[uuid.UUID]*Session // connID -> Session
	mu             sync.RWMutex
	logger         *zap.Logger
}

// Stats counts live sessions by role.
type Stats struct {
	Total   int `json:"active_sessions"`
	Riders  int `json:"riders"`
	Drivers int `json:"drivers"`
}

// NewManager creates a new session manager
func NewManager(deps Dependencies) *Manager {
	return &Manager{
		deps:           deps,
		activeSessions: make(map[uuid.UUID]*Session),
		logger:         deps.Logger.Named("sessions"),
	}
}

// Open creates a session for conn and opens it. On failure the session is
// already closed and nil is returned with the error.
func (m *Manager) Open(ctx context.Context, conn interfaces.Connection, principal types.Principal) (*Session, error) {
	s := New(ctx, conn, principal, m.deps)
	s.onClose = m.remove

	// Tracked before Open so CloseAll during Open still reaches it.
	m.mu.Lock()
	m.activeSessions[conn.ID()] = s
	m.mu.Unlock()

	if err := s.Open(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Get returns the live session for connID.
func (m *Manager) Get(connID uuid.UUID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.activeSessions[connID]
	return s, ok
}

// CloseAll closes every live session. Used at shutdown.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.activeSessions))
	for _, s := range m.activeSessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}

	m.logger.Info("closed all sessions", zap.Int("count", len(sessions)))
}

// GetStats returns live session counts for monitoring
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{Total: len(m.activeSessions)}
	for _, s := range m.activeSessions {
		switch s.Role() {
		case types.RoleDriver:
			stats.Drivers++
		case types.RoleRider:
			stats.Riders++
		}
	}
	return stats
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.activeSessions[s.ConnectionID()]; ok && current == s {
		delete(m.activeSessions, s.ConnectionID())
	}
}
