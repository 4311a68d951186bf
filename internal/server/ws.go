package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/provider"
	"github.com/chatrelay/chatrelay/internal/stream"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // The webview origin varies per editor instance
	},
}

// wsInbound is any message a client sends over the socket.
type wsInbound struct {
	Type      string             `json:"type"`
	RequestID string             `json:"requestId,omitempty"`
	Messages  []provider.Message `json:"messages,omitempty"`
	ModelID   string             `json:"modelId,omitempty"`
	SessionID string             `json:"sessionId,omitempty"`
}

// wsOutbound is any message the relay sends to a client.
type wsOutbound struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message,omitempty"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp"`
}

// wsConn is one connected client. Gorilla allows a single concurrent writer,
// so every write goes through the mutex: the read loop, chunk sinks, and the
// heartbeat ticker all share it.
type wsConn struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  bool
}

func (c *wsConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.conn.WriteJSON(v)
}

func (c *wsConn) close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.conn.Close()
}

// connRegistry tracks connected WebSocket clients for /api/status.
type connRegistry struct {
	mu    sync.Mutex
	conns map[string]*wsConn
}

func newConnRegistry() *connRegistry {
	return &connRegistry{conns: make(map[string]*wsConn)}
}

func (r *connRegistry) add(c *wsConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.id] = c
}

func (r *connRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

func (r *connRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *connRegistry) closeAll() {
	r.mu.Lock()
	conns := make([]*wsConn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*wsConn)
	r.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// handleWS upgrades the connection and serves the panel's message protocol.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &wsConn{id: uuid.NewString(), conn: conn}
	s.conns.add(c)
	defer func() {
		s.conns.remove(c.id)
		c.close()
	}()

	logging.Info().Str("connID", c.id).Msg("websocket client connected")

	if err := c.writeJSON(wsOutbound{
		Type:      "connected",
		Message:   "relay connection established",
		Timestamp: nowISO(),
	}); err != nil {
		return
	}

	// Heartbeat keeps webview proxies from idling the socket out.
	stopHeartbeat := make(chan struct{})
	defer close(stopHeartbeat)
	go s.heartbeat(c, stopHeartbeat)

	for {
		var msg wsInbound
		if err := conn.ReadJSON(&msg); err != nil {
			logging.Debug().Str("connID", c.id).Err(err).Msg("websocket client disconnected")
			return
		}
		s.dispatchWS(c, &msg)
	}
}

func (s *Server) heartbeat(c *wsConn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.writeJSON(wsOutbound{Type: "heartbeat", Timestamp: nowISO()}); err != nil {
				return
			}
		}
	}
}

// dispatchWS routes one inbound message. Chat runs in its own goroutine so a
// long completion does not block ping handling on the same socket.
func (s *Server) dispatchWS(c *wsConn, msg *wsInbound) {
	switch msg.Type {
	case "ping":
		c.writeJSON(wsOutbound{Type: "pong", RequestID: msg.RequestID, Timestamp: nowISO()})

	case "getModels":
		models := s.registry.Models(context.Background())
		c.writeJSON(wsOutbound{
			Type:      "models",
			RequestID: msg.RequestID,
			Data:      models,
			Timestamp: nowISO(),
		})

	case "chat":
		go s.chatOverWS(c, msg)

	case "cancel":
		if sess := s.sessions.Get(msg.SessionID); sess != nil {
			sess.Cancel()
		}

	default:
		c.writeJSON(wsOutbound{
			Type:      "error",
			RequestID: msg.RequestID,
			Error:     "unknown message type: " + msg.Type,
			Timestamp: nowISO(),
		})
	}
}

// chatOverWS streams one chat exchange as chatChunk/chatDone/chatError
// frames tagged with the client's requestId.
func (s *Server) chatOverWS(c *wsConn, msg *wsInbound) {
	if len(msg.Messages) == 0 {
		c.writeJSON(wsOutbound{
			Type:      "chatError",
			RequestID: msg.RequestID,
			Error:     "messages required",
			Timestamp: nowISO(),
		})
		return
	}

	sess, err := s.startSession(&ChatRequest{Messages: msg.Messages, ModelID: msg.ModelID})
	if err != nil {
		c.writeJSON(wsOutbound{
			Type:      "chatError",
			RequestID: msg.RequestID,
			Error:     err.Error(),
			Timestamp: nowISO(),
		})
		return
	}

	sink := &stream.FuncSink{
		SinkKind: stream.SinkWebSocket,
		OnChunk: func(index int, chunk string) error {
			return c.writeJSON(wsOutbound{
				Type:      "chatChunk",
				RequestID: msg.RequestID,
				SessionID: sess.ID(),
				Content:   chunk,
				Timestamp: nowISO(),
			})
		},
		OnTerminal: func(ev stream.TerminalEvent) {
			switch ev.Kind {
			case stream.TerminalError:
				c.writeJSON(wsOutbound{
					Type:      "chatError",
					RequestID: msg.RequestID,
					SessionID: sess.ID(),
					Error:     ev.Error,
					Timestamp: nowISO(),
				})
			default:
				c.writeJSON(wsOutbound{
					Type:      "chatDone",
					RequestID: msg.RequestID,
					SessionID: sess.ID(),
					Timestamp: nowISO(),
				})
			}
		},
	}
	sess.AttachSink(sink)
}
