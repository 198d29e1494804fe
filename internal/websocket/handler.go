package websocket

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ridehail/internal/session"
	"ridehail/pkg/interfaces"
)

// HandlerConfig tunes the heartbeat and framing of every upgraded connection.
type HandlerConfig struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	Connection     ConnectionConfig

	// AllowedOrigins restricts the Origin header of the handshake. Empty
	// allows every origin.
	AllowedOrigins []string
}

// Handler upgrades authenticated requests and runs one session per socket.
// ARCHITECTURAL DISCOVERY: Identity is resolved before the upgrade, so an
// anonymous client gets a plain HTTP 403 and never consumes a socket.
type Handler struct {
	identity interfaces.Identity
	sessions *session.Manager
	config   HandlerConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewHandler(identity interfaces.Identity, sessions *session.Manager, config HandlerConfig, logger *zap.Logger) *Handler {
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 2 * config.PingInterval
	}

	h := &Handler{
		identity: identity,
		sessions: sessions,
		config:   config,
		logger:   logger.Named("ws"),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

// ServeHTTP blocks for the lifetime of the connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, err := h.identity.Resolve(r.Context(), r)
	if err != nil {
		h.logger.Error("identity resolution failed", zap.Error(err))
		http.Error(w, "identity unavailable", http.StatusInternalServerError)
		return
	}
	if principal.Anonymous() {
		http.Error(w, "authentication required", http.StatusForbidden)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	if h.config.MaxMessageSize > 0 {
		ws.SetReadLimit(h.config.MaxMessageSize)
	}

	// TECHNICAL DISCOVERY: The request context lives until ServeHTTP returns,
	// which is exactly the lifetime of the read loop below.
	conn := NewConnection(r.Context(), ws, h.config.Connection, h.logger)

	sess, err := h.sessions.Open(conn.Context(), conn, principal)
	if err != nil {
		h.logger.Warn("session open failed",
			zap.String("user_id", principal.UserID),
			zap.Error(err),
		)
		_ = conn.CloseWithReason(websocket.CloseInternalServerErr, "session unavailable")
		return
	}
	defer sess.Close()

	go h.pingLoop(conn)
	h.readLoop(conn, sess)
}

// readLoop feeds inbound text frames to the session until the socket fails.
func (h *Handler) readLoop(conn *Connection, sess *session.Session) {
	ws := conn.conn

	// FUNCTIONAL DISCOVERY: The read deadline is pushed forward by every pong,
	// so a peer that stops answering pings is dropped after ReadTimeout.
	if err := ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				conn.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}

		if err := sess.Dispatch(data); err != nil {
			if errors.Is(err, session.ErrInvalidState) {
				return
			}
			conn.logger.Debug("dispatch failed", zap.Error(err))
		}
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// WriteControl is safe alongside the writer goroutine.
			deadline := time.Now().Add(h.config.Connection.WriteTimeout + time.Second)
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}
