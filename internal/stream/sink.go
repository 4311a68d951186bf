package stream

import (
	"github.com/chatrelay/chatrelay/internal/event"
)

// SinkKind identifies the transport behind a sink.
type SinkKind string

const (
	SinkWebSocket SinkKind = "websocket"
	SinkSSE       SinkKind = "sse"
	SinkNativeUI  SinkKind = "native-ui"
)

// TerminalKind discriminates the final event of a session.
type TerminalKind string

const (
	TerminalDone      TerminalKind = "done"
	TerminalCancelled TerminalKind = "cancelled"
	TerminalError     TerminalKind = "error"
)

// TerminalEvent is delivered exactly once to each attached sink when the
// session reaches a terminal state. ChunkCount and TotalBytes are the
// aggregate stream stats.
type TerminalEvent struct {
	Kind       TerminalKind `json:"kind"`
	ChunkCount int          `json:"chunkCount"`
	TotalBytes int          `json:"totalBytes"`
	Error      string       `json:"error,omitempty"`
}

// Sink consumes a session's output. Implementations are called with the
// session lock held and must not call back into the session; a returned
// delivery error detaches the sink without affecting others.
type Sink interface {
	Kind() SinkKind
	Deliver(index int, chunk string) error
	Terminal(ev TerminalEvent)
}

// FuncSink adapts plain callbacks to the Sink interface.
type FuncSink struct {
	SinkKind   SinkKind
	OnChunk    func(index int, chunk string) error
	OnTerminal func(ev TerminalEvent)
}

func (f *FuncSink) Kind() SinkKind { return f.SinkKind }

func (f *FuncSink) Deliver(index int, chunk string) error {
	if f.OnChunk == nil {
		return nil
	}
	return f.OnChunk(index, chunk)
}

func (f *FuncSink) Terminal(ev TerminalEvent) {
	if f.OnTerminal != nil {
		f.OnTerminal(ev)
	}
}

// BusSink forwards a session's chunks onto the event bus for in-process
// consumers (the native UI path). Chunks go out synchronously so bus
// subscribers observe the session-global order.
type BusSink struct {
	SessionID string
	Bus       *event.Bus
}

func (b *BusSink) Kind() SinkKind { return SinkNativeUI }

func (b *BusSink) Deliver(index int, chunk string) error {
	b.Bus.PublishSync(event.Event{Type: event.SessionChunk, Data: event.ChunkData{
		SessionID: b.SessionID,
		Index:     index,
		Content:   chunk,
	}})
	return nil
}

func (b *BusSink) Terminal(ev TerminalEvent) {
	// Terminal outcomes are published by the session itself; nothing extra
	// to forward here.
}
