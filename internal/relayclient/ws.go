package relayclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/provider"
)

// ConnectionState is the WebSocket connection lifecycle.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// wsFrame is any message exchanged over the socket.
type wsFrame struct {
	Type      string             `json:"type"`
	RequestID string             `json:"requestId,omitempty"`
	SessionID string             `json:"sessionId,omitempty"`
	Message   string             `json:"message,omitempty"`
	Content   string             `json:"content,omitempty"`
	Error     string             `json:"error,omitempty"`
	Data      []provider.Model   `json:"data,omitempty"`
	Messages  []provider.Message `json:"messages,omitempty"`
	ModelID   string             `json:"modelId,omitempty"`
	Timestamp string             `json:"timestamp,omitempty"`
}

// errConnectionLost reports a socket that died while a request was in
// flight.
var errConnectionLost = errors.New("connection lost")

// frameQueue buffers the routed frames of one request without bound, so the
// read pump never blocks behind a slow caller and never drops a frame. A
// streamed chat can outrun its consumer by an arbitrary margin; losing even
// one tagged frame would lose content or the terminal marker.
type frameQueue struct {
	mu     sync.Mutex
	frames []wsFrame
	closed bool
	wake   chan struct{}
}

func newFrameQueue() *frameQueue {
	return &frameQueue{wake: make(chan struct{}, 1)}
}

func (q *frameQueue) push(frame wsFrame) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.frames = append(q.frames, frame)
	q.mu.Unlock()
	q.signal()
}

func (q *frameQueue) fail() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *frameQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// next returns the next buffered frame, blocking until one arrives, the
// connection is lost, or ctx is done. Frames already buffered are drained
// even after a failure so no received content is lost.
func (q *frameQueue) next(ctx context.Context) (wsFrame, error) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			frame := q.frames[0]
			q.frames = q.frames[1:]
			q.mu.Unlock()
			return frame, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return wsFrame{}, errConnectionLost
		}
		select {
		case <-q.wake:
		case <-ctx.Done():
			return wsFrame{}, ctx.Err()
		}
	}
}

// WSConn is a live WebSocket connection to the relay. Frames tagged with a
// request ID are routed to their waiting caller; the read pump treats any
// inbound frame, heartbeats included, as proof of liveness.
type WSConn struct {
	client *Client

	mu      sync.Mutex
	conn    *websocket.Conn
	state   ConnectionState
	pending map[string]*frameQueue

	readTimeout time.Duration
	done        chan struct{}
	closeOnce   sync.Once
}

// ConnectWS resolves the relay and opens a WebSocket connection, waiting for
// the server's greeting before returning.
func (c *Client) ConnectWS(ctx context.Context) (*WSConn, error) {
	w := &WSConn{
		client:      c,
		state:       StateDisconnected,
		pending:     make(map[string]*frameQueue),
		readTimeout: 30 * time.Second,
		done:        make(chan struct{}),
	}
	if err := w.connect(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// State returns the connection state.
func (w *WSConn) State() ConnectionState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *WSConn) setState(s ConnectionState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// connect dials the resolved relay and waits for the connected greeting.
func (w *WSConn) connect(ctx context.Context) error {
	w.setState(StateConnecting)

	baseURL, err := w.client.resolver.ResolveBaseURL(ctx)
	if err != nil {
		w.setState(StateDisconnected)
		return err
	}

	wsURL, err := toWSURL(baseURL)
	if err != nil {
		w.setState(StateDisconnected)
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		w.setState(StateDisconnected)
		w.client.resolver.Invalidate()
		return fmt.Errorf("websocket dial: %w", err)
	}

	// The greeting is the first frame; anything else means we dialed into
	// something that is not the relay.
	conn.SetReadDeadline(time.Now().Add(w.readTimeout))
	var greeting wsFrame
	if err := conn.ReadJSON(&greeting); err != nil || greeting.Type != "connected" {
		conn.Close()
		w.setState(StateDisconnected)
		w.client.resolver.Invalidate()
		return fmt.Errorf("no relay greeting on %s", wsURL)
	}

	w.mu.Lock()
	w.conn = conn
	w.state = StateConnected
	w.mu.Unlock()

	go w.readPump(conn)
	return nil
}

func toWSURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}

// readPump routes inbound frames. Every frame, heartbeats included, pushes
// the read deadline forward; silence past the deadline is a dead socket.
func (w *WSConn) readPump(conn *websocket.Conn) {
	for {
		conn.SetReadDeadline(time.Now().Add(w.readTimeout))
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			w.handleDisconnect(conn, err)
			return
		}

		if frame.Type == "heartbeat" {
			continue
		}
		if frame.RequestID == "" {
			continue
		}

		w.mu.Lock()
		q, ok := w.pending[frame.RequestID]
		w.mu.Unlock()
		if ok {
			q.push(frame)
		}
	}
}

// handleDisconnect tears down the socket and reconnects under backoff
// unless Close was called.
func (w *WSConn) handleDisconnect(conn *websocket.Conn, err error) {
	conn.Close()

	select {
	case <-w.done:
		w.setState(StateDisconnected)
		return
	default:
	}

	logging.Debug().Err(err).Msg("websocket lost, reconnecting")
	w.setState(StateReconnecting)
	w.failPending()
	w.client.resolver.Invalidate()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.done
		cancel()
	}()

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if rerr := backoff.Retry(func() error { return w.connect(ctx) }, policy); rerr != nil {
		logging.Warn().Err(rerr).Msg("websocket reconnect abandoned")
		w.setState(StateDisconnected)
	}
}

// failPending marks every waiter's queue as lost; callers observe
// errConnectionLost once they drain what was already received.
func (w *WSConn) failPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, q := range w.pending {
		q.fail()
		delete(w.pending, id)
	}
}

// request sends a frame and returns a queue carrying its tagged replies.
func (w *WSConn) request(frame wsFrame) (string, *frameQueue, error) {
	id := uuid.NewString()
	frame.RequestID = id

	q := newFrameQueue()
	w.mu.Lock()
	if w.conn == nil || w.state != StateConnected {
		w.mu.Unlock()
		return "", nil, errors.New("websocket not connected")
	}
	w.pending[id] = q
	err := w.conn.WriteJSON(frame)
	w.mu.Unlock()

	if err != nil {
		w.forget(id)
		return "", nil, err
	}
	return id, q, nil
}

func (w *WSConn) forget(id string) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

// Ping round-trips a ping frame.
func (w *WSConn) Ping(ctx context.Context) error {
	id, q, err := w.request(wsFrame{Type: "ping"})
	if err != nil {
		return err
	}
	defer w.forget(id)

	frame, err := q.next(ctx)
	if err != nil {
		return err
	}
	if frame.Type != "pong" {
		return fmt.Errorf("unexpected reply %q", frame.Type)
	}
	return nil
}

// Models lists models over the socket.
func (w *WSConn) Models(ctx context.Context) ([]provider.Model, error) {
	id, q, err := w.request(wsFrame{Type: "getModels"})
	if err != nil {
		return nil, err
	}
	defer w.forget(id)

	frame, err := q.next(ctx)
	if err != nil {
		return nil, err
	}
	if frame.Type != "models" {
		return nil, fmt.Errorf("unexpected reply %q", frame.Type)
	}
	return frame.Data, nil
}

// Chat streams a completion over the socket, invoking onChunk per chunk.
func (w *WSConn) Chat(ctx context.Context, messages []provider.Message, modelID string, onChunk func(chunk string)) (*ChatResult, error) {
	id, q, err := w.request(wsFrame{Type: "chat", Messages: messages, ModelID: modelID})
	if err != nil {
		return nil, err
	}
	defer w.forget(id)

	var content strings.Builder
	for {
		frame, err := q.next(ctx)
		if err != nil {
			return nil, err
		}
		switch frame.Type {
		case "chatChunk":
			content.WriteString(frame.Content)
			if onChunk != nil {
				onChunk(frame.Content)
			}
		case "chatDone":
			return &ChatResult{Content: content.String(), ModelID: modelID}, nil
		case "chatError":
			return nil, errors.New(frame.Error)
		}
	}
}

// Close shuts the connection down and stops reconnection.
func (w *WSConn) Close() {
	w.closeOnce.Do(func() { close(w.done) })

	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.state = StateDisconnected
	w.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	w.failPending()
}
