package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ridehail/pkg/interfaces"
	"ridehail/pkg/types"
)

// ConnectionConfig bounds the outbound side of a connection.
type ConnectionConfig struct {
	// BufferSize is the capacity of the outbound queue. A full queue closes
	// the connection (disconnect-on-overflow).
	BufferSize   int
	WriteTimeout time.Duration
}

// closeFlushTimeout bounds how long a graceful close waits for queued frames
// to reach the peer.
const closeFlushTimeout = 250 * time.Millisecond

// Connection implements the interfaces.Connection interface
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions
// Interface boundary maintained - no business logic in connection wrapper
type Connection struct {
	id           uuid.UUID
	conn         *websocket.Conn
	writeCh      chan []byte
	writeTimeout time.Duration
	ctx          context.Context    // Cancelled on close; parent of the session context
	cancel       context.CancelFunc // For cleanup
	done         chan struct{}
	writerDone   chan struct{} // Closed when writeLoop returns
	aborted      atomic.Bool   // Set on overflow or write failure; skips the flush
	closeOnce    sync.Once     // Ensure single close
	logger       *zap.Logger
}

var _ interfaces.Connection = (*Connection)(nil)

// NewConnection wraps an upgraded socket and starts its writer goroutine.
func NewConnection(parent context.Context, conn *websocket.Conn, cfg ConnectionConfig, logger *zap.Logger) *Connection {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	id := uuid.New()
	ctx, cancel := context.WithCancel(parent)
	c := &Connection{
		id:           id,
		conn:         conn,
		writeCh:      make(chan []byte, cfg.BufferSize),
		writeTimeout: cfg.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
		logger:       logger.With(zap.Stringer("conn_id", id)),
	}

	// Start the single writer goroutine
	go c.writeLoop()

	return c
}

// ARCHITECTURAL DISCOVERY: Single writer goroutine pattern eliminates races
// and keeps frames FIFO per connection.
func (c *Connection) writeLoop() {
	defer func() {
		close(c.writerDone)
		_ = c.Close()
	}()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data, time.Now().Add(c.writeTimeout)); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.aborted.Store(true)
				return
			}

		case <-c.ctx.Done():
			c.flush()
			return
		}
	}
}

func (c *Connection) write(data []byte, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// flush writes whatever is still queued when the connection closes, so a
// reply enqueued just before Close still reaches the peer.
func (c *Connection) flush() {
	if c.aborted.Load() {
		return
	}
	deadline := time.Now().Add(closeFlushTimeout)
	for {
		select {
		case data := <-c.writeCh:
			if err := c.write(data, deadline); err != nil {
				c.logger.Debug("flush failed", zap.Error(err), zap.Int("dropped", len(c.writeCh)+1))
				return
			}
		default:
			return
		}
	}
}

// Send enqueues a frame without blocking. A full queue means the peer is not
// keeping up; the connection is closed and ErrSendQueueFull returned.
// TECHNICAL DISCOVERY: The close frame is written from its own goroutine.
// WriteControl waits for the socket the stuck writer holds, and Send runs
// inside the broadcaster's fan-out loop.
func (c *Connection) Send(frame types.Frame) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		c.logger.Warn("outbound queue full, closing connection", zap.Int("capacity", cap(c.writeCh)))
		c.aborted.Store(true)
		c.cancel()
		go func() {
			_ = c.CloseWithReason(websocket.ClosePolicyViolation, "outbound queue overflow")
		}()
		return ErrSendQueueFull
	}
}

// Close flushes queued frames for up to closeFlushTimeout, then closes the
// socket without a close frame.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		// Cancel context to stop goroutines
		c.cancel()
		c.awaitFlush()

		if c.conn != nil {
			err = c.conn.Close()
		}
		close(c.done)
	})
	return err
}

// CloseWithReason flushes queued frames, sends a close frame carrying code
// and reason, then closes.
func (c *Connection) CloseWithReason(code int, reason string) error {
	c.cancel()
	c.awaitFlush()

	if c.conn != nil {
		msg := websocket.FormatCloseMessage(code, reason)
		// Best effort: the peer may already be gone.
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	return c.Close()
}

// awaitFlush waits for the writer to drain the queue. Aborted connections
// skip the wait; their peer is not reading.
func (c *Connection) awaitFlush() {
	if c.writerDone == nil || c.aborted.Load() {
		return
	}
	select {
	case <-c.writerDone:
	case <-time.After(closeFlushTimeout):
	}
}

// ID returns the process-unique connection id.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// Done is closed once Close has run.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// QueueLen reports how many frames are waiting to be written.
func (c *Connection) QueueLen() int {
	return len(c.writeCh)
}
