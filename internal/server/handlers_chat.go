package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/provider"
	"github.com/chatrelay/chatrelay/internal/stream"
)

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Messages []provider.Message `json:"messages"`
	ModelID  string             `json:"modelId"`
	Stream   *bool              `json:"stream"` // nil means stream
}

// ChatMessage is the assistant reply in a blocking chat response.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the blocking-mode response body.
type ChatResponse struct {
	Success   bool        `json:"success"`
	Message   ChatMessage `json:"message"`
	ModelID   string      `json:"modelId"`
	Timestamp string      `json:"timestamp"`
}

// chatFrame is one SSE data frame of a streamed chat response.
type chatFrame struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
	Error   string `json:"error,omitempty"`
}

// postChat handles POST /api/chat in streaming (SSE) or blocking mode.
func (s *Server) postChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages required")
		return
	}

	sess, err := s.startSession(&req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if req.Stream == nil || *req.Stream {
		s.streamChat(w, r, sess)
		return
	}
	s.blockingChat(w, r, sess)
}

// startSession creates a session and wires the provider's producer into it.
// The producer runs on the session's own context, not the request context:
// a dropped transport must never cancel production, while an explicit Cancel
// must still reach a producer blocked between chunks.
func (s *Server) startSession(req *ChatRequest) (*stream.Session, error) {
	sess := s.sessions.Create(req.ModelID)

	producer, err := s.registry.Complete(sess.Context(), &provider.Request{
		Messages: req.Messages,
		ModelID:  req.ModelID,
	})
	if err != nil {
		s.sessions.Remove(sess.ID())
		return nil, err
	}

	if err := sess.Start(producer); err != nil {
		return nil, err
	}
	return sess, nil
}

// streamChat relays session chunks as SSE frames until the session reaches a
// terminal state or the client goes away. A disconnect only detaches the
// sink; the session keeps producing for other attached transports.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, sess *stream.Session) {
	setSSEHeaders(w)

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	sink := &stream.FuncSink{
		SinkKind: stream.SinkSSE,
		OnChunk: func(index int, chunk string) error {
			return sse.writeData(chatFrame{Content: chunk})
		},
		OnTerminal: func(ev stream.TerminalEvent) {
			frame := chatFrame{Done: true}
			if ev.Kind == stream.TerminalError {
				frame.Error = ev.Error
			}
			sse.writeData(frame)
		},
	}
	sess.AttachSink(sink)
	defer sess.DetachSink(sink)

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.Done():
			return
		case <-r.Context().Done():
			logging.Debug().Str("sessionID", sess.ID()).Msg("SSE client disconnected")
			return
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}

// blockingChat waits for the terminal state and returns the aggregate.
func (s *Server) blockingChat(w http.ResponseWriter, r *http.Request, sess *stream.Session) {
	if err := sess.Wait(r.Context()); err != nil {
		// Client gave up; the session keeps running toward the TTL janitor.
		return
	}

	if sess.Status() == stream.StatusFailed {
		msg := "completion failed"
		if errInfo := sess.Err(); errInfo != nil {
			msg = errInfo.Message
		}
		writeError(w, http.StatusInternalServerError, msg)
		return
	}

	writeJSON(w, http.StatusOK, ChatResponse{
		Success:   true,
		Message:   ChatMessage{Role: "assistant", Content: sess.Aggregate()},
		ModelID:   sess.ModelID(),
		Timestamp: nowISO(),
	})
}
