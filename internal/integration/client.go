// Package integration drives a running server end to end with real
// WebSocket clients.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ridehail/pkg/types"
)

var (
	ErrClientClosed  = errors.New("client closed")
	ErrFrameTimeout  = errors.New("timeout waiting for frame")
	ErrNotConnected  = errors.New("client not connected")
	ErrAlreadyDialed = errors.New("client already connected")
)

// TestClient is a WebSocket client that collects every inbound frame.
type TestClient struct {
	UserID    string
	ServerURL string
	Token     string

	conn   *websocket.Conn
	frames chan types.Frame
	errors chan error
	done   chan struct{}

	mu        sync.RWMutex
	writeMu   sync.Mutex
	closed    bool
	connected bool
}

// NewTestClient creates a client for serverURL (http or ws scheme) that
// authenticates with token.
func NewTestClient(userID, token, serverURL string) *TestClient {
	return &TestClient{
		UserID:    userID,
		ServerURL: serverURL,
		Token:     token,
		frames:    make(chan types.Frame, 256),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}
}

// Connect dials the /ws endpoint with the token in the query string.
func (tc *TestClient) Connect(ctx context.Context) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.connected {
		return ErrAlreadyDialed
	}

	u, err := url.Parse(tc.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	query := u.Query()
	query.Set("token", tc.Token)
	u.RawQuery = query.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect as %s: %w", tc.UserID, err)
	}

	tc.conn = conn
	tc.connected = true
	go tc.readLoop(conn)

	return nil
}

func (tc *TestClient) readLoop(conn *websocket.Conn) {
	defer func() {
		tc.mu.Lock()
		tc.connected = false
		tc.mu.Unlock()
		tc.signalDone()
	}()

	for {
		var frame types.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			tc.mu.RLock()
			closed := tc.closed
			tc.mu.RUnlock()

			if !closed {
				select {
				case tc.errors <- fmt.Errorf("read error: %w", err):
				default:
				}
			}
			return
		}

		select {
		case tc.frames <- frame:
		default:
			select {
			case tc.errors <- errors.New("frame buffer full"):
			default:
			}
		}
	}
}

// Send writes one frame with data marshalled as its payload.
func (tc *TestClient) Send(msgType string, data interface{}) error {
	tc.mu.RLock()
	conn := tc.conn
	connected := tc.connected
	tc.mu.RUnlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(types.Frame{Type: msgType, Data: raw}); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

// Receive waits up to timeout for the next frame.
func (tc *TestClient) Receive(timeout time.Duration) (types.Frame, error) {
	// Frames that arrived before the socket closed are still delivered.
	select {
	case frame := <-tc.frames:
		return frame, nil
	default:
	}

	select {
	case frame := <-tc.frames:
		return frame, nil
	case err := <-tc.errors:
		return types.Frame{}, err
	case <-time.After(timeout):
		return types.Frame{}, ErrFrameTimeout
	case <-tc.done:
		return types.Frame{}, ErrClientClosed
	}
}

// ReceiveN collects count frames within timeout.
func (tc *TestClient) ReceiveN(count int, timeout time.Duration) ([]types.Frame, error) {
	frames := make([]types.Frame, 0, count)
	deadline := time.Now().Add(timeout)

	for len(frames) < count {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return frames, fmt.Errorf("%w: received %d/%d", ErrFrameTimeout, len(frames), count)
		}
		frame, err := tc.Receive(remaining)
		if err != nil {
			return frames, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// Pending returns the number of buffered, unread frames.
func (tc *TestClient) Pending() int {
	return len(tc.frames)
}

// Drop closes the TCP connection without a close handshake, like a peer
// that vanished.
func (tc *TestClient) Drop() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return
	}
	tc.closed = true
	if tc.conn != nil {
		_ = tc.conn.UnderlyingConn().Close()
	}
}

// Close sends a normal closure and closes the connection.
func (tc *TestClient) Close() error {
	tc.mu.Lock()
	if tc.closed {
		tc.mu.Unlock()
		return nil
	}
	tc.closed = true
	conn := tc.conn
	tc.mu.Unlock()

	if conn == nil {
		tc.signalDone()
		return nil
	}

	tc.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	tc.writeMu.Unlock()

	return conn.Close()
}

// Done is closed once the read loop exits.
func (tc *TestClient) Done() <-chan struct{} {
	return tc.done
}

func (tc *TestClient) signalDone() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	select {
	case <-tc.done:
	default:
		close(tc.done)
	}
}
