// Package stream implements single-producer, multi-consumer fan-out of a
// token stream with cooperative cancellation. One Session models one chat
// request from start to terminal state; any number of transport sinks can
// attach before, during, or after production and all observe the identical
// chunk sequence.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/logging"
)

// Status is the session lifecycle state. Transitions are monotone:
// pending -> active -> completed | cancelled | failed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// ErrorInfo captures a producer failure.
type ErrorInfo struct {
	Message string `json:"message"`
}

// ErrSessionStarted is returned when Start is called twice.
var ErrSessionStarted = errors.New("session already started")

// Session is one in-flight request/response exchange. It is exclusively
// owned by the Manager that created it; transports hold references only.
type Session struct {
	id        string
	modelID   string
	createdAt time.Time

	mu         sync.Mutex
	status     Status
	chunks     []string
	totalBytes int
	sinks      map[Sink]*sinkState
	errInfo    *ErrorInfo
	finishedAt time.Time

	ctx          context.Context
	cancel       context.CancelFunc
	producer     Producer
	producerOnce sync.Once
	done         chan struct{}
	bus          *event.Bus
}

// sinkState tracks the per-sink delivery cursor.
type sinkState struct {
	lastDeliveredIndex int // index of the next chunk to deliver
	terminalSent       bool
}

func newSession(modelID string, bus *event.Bus) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        ulid.Make().String(),
		modelID:   modelID,
		createdAt: time.Now(),
		status:    StatusPending,
		sinks:     make(map[Sink]*sinkState),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		bus:       bus,
	}
}

// NewSession creates a standalone session. Most callers should go through
// Manager.Create so the session participates in table accounting and TTL
// eviction.
func NewSession(modelID string) *Session {
	return newSession(modelID, nil)
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string { return s.id }

// ModelID returns the model this session was created for.
func (s *Session) ModelID() string { return s.modelID }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Context returns the session's lifetime context. It is cancelled on the
// terminal transition, so producers built on it observe Cancel between
// chunks no matter which transport, if any, is still attached.
func (s *Session) Context() context.Context { return s.ctx }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the captured producer failure, if any.
func (s *Session) Err() *ErrorInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errInfo
}

// ChunkCount returns the number of chunks appended so far.
func (s *Session) ChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

// Aggregate returns the concatenation of all chunks appended so far.
func (s *Session) Aggregate() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int
	for _, c := range s.chunks {
		total += len(c)
	}
	buf := make([]byte, 0, total)
	for _, c := range s.chunks {
		buf = append(buf, c...)
	}
	return string(buf)
}

// Start transitions pending -> active and begins consuming the producer in a
// goroutine. Producers built on the session's Context observe Cancel between
// chunks; a chunk already yielded is always delivered. The producer is closed
// on the terminal transition, so a Recv blocked on a quiet upstream unblocks
// even when the producer ignores the context.
func (s *Session) Start(producer Producer) error {
	s.mu.Lock()
	if s.status != StatusPending {
		s.mu.Unlock()
		return ErrSessionStarted
	}
	s.status = StatusActive
	s.producer = producer
	s.mu.Unlock()

	go s.consume(producer)
	return nil
}

// consume pulls chunks until EOF, error, or cancellation.
func (s *Session) consume(producer Producer) {
	defer s.closeProducer()

	for {
		chunk, err := producer.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.complete()
			} else if errors.Is(err, context.Canceled) {
				// Cancel() already finalized the session.
			} else {
				s.fail(err)
			}
			return
		}
		if !s.append(chunk) {
			return
		}
	}
}

// closeProducer closes the producer exactly once, whether the consume loop
// returned on its own or finalize cut a blocked Recv loose.
func (s *Session) closeProducer() {
	s.producerOnce.Do(func() {
		s.mu.Lock()
		producer := s.producer
		s.mu.Unlock()
		if c, ok := producer.(io.Closer); ok {
			c.Close()
		}
	})
}

// append adds one chunk and fans it out to every attached sink, all under
// the session lock so every sink observes the same order. Returns false when
// the session reached a terminal state and consumption should stop.
func (s *Session) append(chunk string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A chunk racing with Cancel loses: nothing is appended after a
	// terminal status.
	if s.status != StatusActive {
		return false
	}

	index := len(s.chunks)
	s.chunks = append(s.chunks, chunk)
	s.totalBytes += len(chunk)
	logging.TraceChunk(s.id, index, chunk)

	s.deliverLocked(index, chunk)

	return true
}

// deliverLocked sends chunk index to every sink that has not seen it yet.
// Sinks whose transport failed are detached; other sinks are unaffected.
func (s *Session) deliverLocked(index int, chunk string) {
	for sink, state := range s.sinks {
		if state.lastDeliveredIndex != index {
			continue
		}
		if err := sink.Deliver(index, chunk); err != nil {
			logging.Debug().
				Str("sessionID", s.id).
				Str("sink", string(sink.Kind())).
				Err(err).
				Msg("sink delivery failed, detaching")
			delete(s.sinks, sink)
			continue
		}
		state.lastDeliveredIndex = index + 1
	}
}

// AttachSink registers a sink, replaying all prior chunks first so late
// joiners see exactly what earlier sinks saw, in the same order. Attaching
// to a terminal session replays history and immediately delivers the
// terminal event.
func (s *Session) AttachSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := &sinkState{}
	for i, chunk := range s.chunks {
		if err := sink.Deliver(i, chunk); err != nil {
			return
		}
		state.lastDeliveredIndex = i + 1
	}
	s.sinks[sink] = state

	if s.status.Terminal() {
		state.terminalSent = true
		sink.Terminal(s.terminalEventLocked())
		delete(s.sinks, sink)
	}
}

// DetachSink removes a sink. The session keeps running; transport loss never
// cancels a session implicitly.
func (s *Session) DetachSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sinks, sink)
}

// SinkCount returns the number of currently attached sinks.
func (s *Session) SinkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sinks)
}

// Cancel transitions the session to cancelled and signals the producer to
// stop. Safe to call in any state; only the first terminal transition wins.
func (s *Session) Cancel() {
	s.finalize(StatusCancelled, nil)
}

func (s *Session) complete() {
	s.finalize(StatusCompleted, nil)
}

func (s *Session) fail(err error) {
	s.finalize(StatusFailed, &ErrorInfo{Message: err.Error()})
}

// finalize performs the single terminal transition: records the outcome,
// delivers exactly one terminal event to every attached sink, and releases
// waiters.
func (s *Session) finalize(status Status, errInfo *ErrorInfo) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.errInfo = errInfo
	s.finishedAt = time.Now()
	s.cancel()

	ev := s.terminalEventLocked()
	for sink, state := range s.sinks {
		if !state.terminalSent {
			state.terminalSent = true
			sink.Terminal(ev)
		}
	}

	chunkCount := len(s.chunks)
	totalBytes := s.totalBytes
	s.mu.Unlock()

	close(s.done)
	s.closeProducer()

	logging.TraceComplete(s.id, chunkCount, totalBytes)
	s.publishTerminal(status, errInfo, chunkCount, totalBytes)
}

func (s *Session) terminalEventLocked() TerminalEvent {
	ev := TerminalEvent{
		ChunkCount: len(s.chunks),
		TotalBytes: s.totalBytes,
	}
	switch s.status {
	case StatusCompleted:
		ev.Kind = TerminalDone
	case StatusCancelled:
		ev.Kind = TerminalCancelled
	case StatusFailed:
		ev.Kind = TerminalError
		if s.errInfo != nil {
			ev.Error = s.errInfo.Message
		}
	}
	return ev
}

func (s *Session) publishTerminal(status Status, errInfo *ErrorInfo, chunkCount, totalBytes int) {
	if s.bus == nil {
		return
	}
	switch status {
	case StatusCompleted:
		s.bus.Publish(event.Event{Type: event.SessionCompleted, Data: event.CompletedData{
			SessionID:  s.id,
			ChunkCount: chunkCount,
			TotalBytes: totalBytes,
		}})
	case StatusCancelled:
		s.bus.Publish(event.Event{Type: event.SessionCancelled, Data: event.SessionData{
			SessionID: s.id,
			ModelID:   s.modelID,
		}})
	case StatusFailed:
		msg := ""
		if errInfo != nil {
			msg = errInfo.Message
		}
		s.bus.Publish(event.Event{Type: event.SessionFailed, Data: event.FailedData{
			SessionID: s.id,
			Message:   msg,
		}})
	}
}

// Wait blocks until the session reaches a terminal state or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// finished reports the terminal timestamp for TTL eviction; zero while live.
func (s *Session) finished() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.Terminal() {
		return time.Time{}
	}
	return s.finishedAt
}
