package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"ridehail/pkg/interfaces"
	"ridehail/pkg/types"
)

// State is the lifecycle position of a session.
type State int

const (
	StateConnecting State = iota
	StateAuthenticatedIdle
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticatedIdle:
		return "AUTHENTICATED_IDLE"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Membership is the part of the group registry a session drives.
type Membership interface {
	Register(conn interfaces.Connection) error
	Unregister(connID uuid.UUID) []types.GroupKey
	Join(group types.GroupKey, connID uuid.UUID) error
	Groups(connID uuid.UUID) []types.GroupKey
}

// Dependencies are shared by every session of a process.
type Dependencies struct {
	Store  interfaces.TripStore
	Groups Membership
	Router interfaces.MessageRouter
	Logger *zap.Logger

	// StrictProtocol reports unknown frame types to the client instead of
	// dropping them.
	StrictProtocol bool
}

// Session is the per-connection state machine:
// CONNECTING -> AUTHENTICATED_IDLE -> CLOSED, or CONNECTING -> CLOSED.
// ARCHITECTURAL DISCOVERY: Open, Dispatch and Close all run under mu, and
// Close cancels ctx before taking mu, so a group join can never land after
// the connection has left all its groups.
type Session struct {
	conn      interfaces.Connection
	principal types.Principal
	deps      Dependencies
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	closeOnce sync.Once
	onClose   func(*Session)
}

var _ interfaces.Caller = (*Session)(nil)

// New creates a session in the CONNECTING state. The session context is
// derived from parent, normally the connection's context.
func New(parent context.Context, conn interfaces.Connection, principal types.Principal, deps Dependencies) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		conn:      conn,
		principal: principal,
		deps:      deps,
		logger: deps.Logger.Named("session").With(
			zap.Stringer("conn_id", conn.ID()),
			zap.String("user_id", principal.UserID),
			zap.String("role", string(principal.Role)),
		),
		ctx:    ctx,
		cancel: cancel,
		state:  StateConnecting,
	}
}

// Open authenticates the session and subscribes it to its groups: drivers
// join the drivers group, and every user joins the groups of their active
// trips. On any failure the session is CLOSED with no groups joined.
func (s *Session) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnecting {
		return ErrInvalidState
	}

	if s.principal.Anonymous() {
		s.state = StateClosed
		return ErrAnonymous
	}

	// Read everything needed before touching the registry, so a failure
	// here leaves nothing to undo.
	tripIDs, err := s.deps.Store.ActiveTripIDsFor(s.ctx, s.principal.UserID, s.principal.Role)
	if err != nil {
		s.state = StateClosed
		return fmt.Errorf("%w: load active trips: %w", ErrOpenFailed, err)
	}
	if err := s.ctx.Err(); err != nil {
		s.state = StateClosed
		return fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}

	if err := s.deps.Groups.Register(s.conn); err != nil {
		s.state = StateClosed
		return fmt.Errorf("%w: register connection: %w", ErrOpenFailed, err)
	}

	groups := make([]types.GroupKey, 0, len(tripIDs)+1)
	if s.principal.Role == types.RoleDriver {
		groups = append(groups, types.DriversGroup)
	}
	for _, id := range tripIDs {
		groups = append(groups, types.TripGroup(id))
	}

	for _, g := range groups {
		if err := s.deps.Groups.Join(g, s.conn.ID()); err != nil {
			s.deps.Groups.Unregister(s.conn.ID())
			s.state = StateClosed
			return fmt.Errorf("%w: join %s: %w", ErrOpenFailed, g, err)
		}
	}

	s.state = StateAuthenticatedIdle
	s.logger.Info("session opened", zap.Int("active_trips", len(tripIDs)))
	return nil
}

// Dispatch handles one inbound text frame. Input that is not a JSON object
// is answered with a protocol_error frame; unknown or missing types are
// dropped unless strict mode is on. Only a session that is not open returns an error.
func (s *Session) Dispatch(raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAuthenticatedIdle {
		return ErrInvalidState
	}

	frame, err := parseFrame(raw)
	if err != nil {
		s.logger.Debug("malformed frame", zap.Error(err))
		s.reply(types.ErrorFrame("protocol_error", err.Error(), nil))
		return nil
	}

	// A frame without a string type is just another unrecognized type.
	if frame.Type == "" {
		s.unknownType(frame.Type)
		return nil
	}

	err = s.deps.Router.Route(s.ctx, s, frame)
	switch {
	case err == nil:
	case errors.Is(err, interfaces.ErrUnknownMessageType):
		s.unknownType(frame.Type)
	default:
		// The router has already answered the caller.
		s.logger.Info("frame rejected", zap.String("type", frame.Type), zap.Error(err))
	}
	return nil
}

func (s *Session) unknownType(typ string) {
	if s.deps.StrictProtocol {
		s.reply(types.ErrorFrame("protocol_error", fmt.Sprintf("unknown message type %q", typ), nil))
		return
	}
	s.logger.Debug("dropping unknown message type", zap.String("type", typ))
}

// Close leaves every group and unregisters the connection. It may be called
// from any state, any number of times, and from any goroutine.
func (s *Session) Close() {
	// Abort an in-flight Open or store call before waiting for the lock.
	s.cancel()

	s.closeOnce.Do(func() {
		s.mu.Lock()
		wasOpen := s.state == StateAuthenticatedIdle
		s.state = StateClosed
		var left []types.GroupKey
		if wasOpen {
			left = s.deps.Groups.Unregister(s.conn.ID())
		}
		s.mu.Unlock()

		_ = s.conn.Close()

		if wasOpen {
			s.logger.Info("session closed", zap.Int("groups_left", len(left)))
		}
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// JoinedGroups returns the groups the connection currently belongs to.
func (s *Session) JoinedGroups() []types.GroupKey {
	return s.deps.Groups.Groups(s.conn.ID())
}

// ConnectionID implements interfaces.Caller.
func (s *Session) ConnectionID() uuid.UUID { return s.conn.ID() }

// UserID implements interfaces.Caller.
func (s *Session) UserID() string { return s.principal.UserID }

// Role implements interfaces.Caller.
func (s *Session) Role() types.Role { return s.principal.Role }

// Reply implements interfaces.Caller.
func (s *Session) Reply(frame types.Frame) error {
	return s.conn.Send(frame)
}

func (s *Session) reply(frame types.Frame) {
	if err := s.conn.Send(frame); err != nil {
		s.logger.Debug("reply failed", zap.Error(err))
	}
}

// parseFrame extracts type and data without decoding the payload.
func parseFrame(raw []byte) (types.Frame, error) {
	if !gjson.ValidBytes(raw) {
		return types.Frame{}, fmt.Errorf("%w: invalid JSON", ErrMalformedFrame)
	}

	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return types.Frame{}, fmt.Errorf("%w: frame must be a JSON object", ErrMalformedFrame)
	}

	// Type stays empty when absent or not a string.
	var frame types.Frame
	if typ := root.Get("type"); typ.Type == gjson.String {
		frame.Type = typ.Str
	}
	if data := root.Get("data"); data.Exists() {
		frame.Data = json.RawMessage(data.Raw)
	}
	return frame, nil
}
