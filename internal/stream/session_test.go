package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordSink captures everything delivered to it.
type recordSink struct {
	mu        sync.Mutex
	kind      SinkKind
	chunks    []string
	indexes   []int
	terminals []TerminalEvent
	failAfter int // deliver this many chunks, then error; -1 never fails
}

func newRecordSink(kind SinkKind) *recordSink {
	return &recordSink{kind: kind, failAfter: -1}
}

func (r *recordSink) Kind() SinkKind { return r.kind }

func (r *recordSink) Deliver(index int, chunk string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAfter >= 0 && len(r.chunks) >= r.failAfter {
		return errors.New("transport gone")
	}
	r.indexes = append(r.indexes, index)
	r.chunks = append(r.chunks, chunk)
	return nil
}

func (r *recordSink) Terminal(ev TerminalEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminals = append(r.terminals, ev)
}

func (r *recordSink) snapshot() ([]string, []TerminalEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.chunks...), append([]TerminalEvent(nil), r.terminals...)
}

func waitTerminal(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestSessionCompletes(t *testing.T) {
	s := NewSession("m1")
	sink := newRecordSink(SinkSSE)
	s.AttachSink(sink)

	require.NoError(t, s.Start(NewSliceProducer(context.Background(), []string{"Hello", " world", "!"})))
	waitTerminal(t, s)

	chunks, terminals := sink.snapshot()
	assert.Equal(t, []string{"Hello", " world", "!"}, chunks)
	require.Len(t, terminals, 1)
	assert.Equal(t, TerminalDone, terminals[0].Kind)
	assert.Equal(t, 3, terminals[0].ChunkCount)
	assert.Equal(t, len("Hello world!"), terminals[0].TotalBytes)

	assert.Equal(t, StatusCompleted, s.Status())
	assert.Equal(t, "Hello world!", s.Aggregate())
}

func TestSessionStatusTransitions(t *testing.T) {
	s := NewSession("m1")
	assert.Equal(t, StatusPending, s.Status())

	chunks := make(chan string)
	errc := make(chan error)
	require.NoError(t, s.Start(NewChanProducer(context.Background(), chunks, errc)))
	assert.Equal(t, StatusActive, s.Status())

	assert.ErrorIs(t, s.Start(NewSliceProducer(context.Background(), nil)), ErrSessionStarted)

	close(chunks)
	waitTerminal(t, s)
	assert.Equal(t, StatusCompleted, s.Status())
}

// Scenario: sink A attaches before start, sink B attaches after the second
// chunk. Both must observe the identical sequence; B gets history replayed.
func TestLateSubscriberReplay(t *testing.T) {
	s := NewSession("m1")
	sinkA := newRecordSink(SinkSSE)
	s.AttachSink(sinkA)

	chunks := make(chan string)
	errc := make(chan error)
	require.NoError(t, s.Start(NewChanProducer(context.Background(), chunks, errc)))

	chunks <- "Hello"
	chunks <- " world"

	// Wait until both chunks are visible before the late attach.
	require.Eventually(t, func() bool { return s.ChunkCount() == 2 }, time.Second, time.Millisecond)

	sinkB := newRecordSink(SinkWebSocket)
	s.AttachSink(sinkB)

	gotB, _ := sinkB.snapshot()
	assert.Equal(t, []string{"Hello", " world"}, gotB, "history must be replayed synchronously on attach")

	chunks <- "!"
	close(chunks)
	waitTerminal(t, s)

	chunksA, terminalsA := sinkA.snapshot()
	chunksB, terminalsB := sinkB.snapshot()
	assert.Equal(t, []string{"Hello", " world", "!"}, chunksA)
	assert.Equal(t, []string{"Hello", " world", "!"}, chunksB)
	require.Len(t, terminalsA, 1)
	require.Len(t, terminalsB, 1)
	assert.Equal(t, TerminalDone, terminalsA[0].Kind)
	assert.Equal(t, TerminalDone, terminalsB[0].Kind)
}

func TestChunkIndexesAreGapFree(t *testing.T) {
	s := NewSession("m1")
	sink := newRecordSink(SinkSSE)
	s.AttachSink(sink)

	var want []string
	for i := 0; i < 100; i++ {
		want = append(want, "x")
	}
	require.NoError(t, s.Start(NewSliceProducer(context.Background(), want)))
	waitTerminal(t, s)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.indexes, 100)
	for i, idx := range sink.indexes {
		assert.Equal(t, i, idx)
	}
}

func TestCancelFinality(t *testing.T) {
	s := NewSession("m1")
	sink := newRecordSink(SinkSSE)
	s.AttachSink(sink)

	chunks := make(chan string)
	errc := make(chan error)
	require.NoError(t, s.Start(NewChanProducer(context.Background(), chunks, errc)))

	chunks <- "partial"
	require.Eventually(t, func() bool { return s.ChunkCount() == 1 }, time.Second, time.Millisecond)

	s.Cancel()
	waitTerminal(t, s)
	assert.Equal(t, StatusCancelled, s.Status())

	// No chunk may be appended after the terminal transition.
	select {
	case chunks <- "late":
	default:
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, s.ChunkCount())

	_, terminals := sink.snapshot()
	require.Len(t, terminals, 1)
	assert.Equal(t, TerminalCancelled, terminals[0].Kind)

	// Cancel is idempotent: still exactly one terminal event.
	s.Cancel()
	_, terminals = sink.snapshot()
	assert.Len(t, terminals, 1)
}

// quietProducer blocks in Recv until closed, ignoring any context.
type quietProducer struct {
	unblock chan struct{}
	once    sync.Once
}

func newQuietProducer() *quietProducer {
	return &quietProducer{unblock: make(chan struct{})}
}

func (p *quietProducer) Recv() (string, error) {
	<-p.unblock
	return "", io.EOF
}

func (p *quietProducer) Close() error {
	p.once.Do(func() { close(p.unblock) })
	return nil
}

func (p *quietProducer) isClosed() bool {
	select {
	case <-p.unblock:
		return true
	default:
		return false
	}
}

// recvRecorder wraps a producer and records every Recv error.
type recvRecorder struct {
	inner Producer

	mu   sync.Mutex
	errs []error
}

func (r *recvRecorder) Recv() (string, error) {
	chunk, err := r.inner.Recv()
	if err != nil {
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
	}
	return chunk, err
}

func (r *recvRecorder) lastErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[len(r.errs)-1]
}

// Scenario: the producer sits in Recv on an upstream that stays silent and
// never looks at a context. Cancel must still terminate the exchange: the
// terminal transition closes the producer, cutting the blocked Recv loose.
func TestCancelClosesBlockedProducer(t *testing.T) {
	s := NewSession("m1")
	p := newQuietProducer()
	require.NoError(t, s.Start(p))

	s.Cancel()
	waitTerminal(t, s)
	assert.Equal(t, StatusCancelled, s.Status())

	require.Eventually(t, func() bool { return p.isClosed() }, time.Second, time.Millisecond,
		"terminal transition must close a producer blocked in Recv")
}

// Scenario: a context-aware producer built on the session's own context is
// mid-stream when Cancel arrives. The cancellation must surface inside Recv;
// a producer parked on quiet upstream channels would otherwise never return.
func TestCancelReachesProducerContext(t *testing.T) {
	s := NewSession("m1")
	chunks := make(chan string)
	errc := make(chan error)
	rec := &recvRecorder{inner: NewChanProducer(s.Context(), chunks, errc)}
	require.NoError(t, s.Start(rec))

	chunks <- "partial"
	require.Eventually(t, func() bool { return s.ChunkCount() == 1 }, time.Second, time.Millisecond)

	s.Cancel()
	waitTerminal(t, s)
	assert.Equal(t, StatusCancelled, s.Status())

	require.Eventually(t, func() bool { return errors.Is(rec.lastErr(), context.Canceled) },
		time.Second, time.Millisecond, "Cancel must surface to the producer as context cancellation")
}

// Scenario: producer fails after emitting two chunks. Sinks get both chunks
// and one terminal error event; the chunk record stays frozen.
func TestProducerError(t *testing.T) {
	s := NewSession("m1")
	sink := newRecordSink(SinkSSE)
	s.AttachSink(sink)

	chunks := make(chan string)
	errc := make(chan error)
	require.NoError(t, s.Start(NewChanProducer(context.Background(), chunks, errc)))

	chunks <- "one"
	chunks <- "two"
	require.Eventually(t, func() bool { return s.ChunkCount() == 2 }, time.Second, time.Millisecond)
	errc <- errors.New("model API exploded")
	waitTerminal(t, s)

	assert.Equal(t, StatusFailed, s.Status())
	require.NotNil(t, s.Err())
	assert.Equal(t, "model API exploded", s.Err().Message)

	got, terminals := sink.snapshot()
	assert.Equal(t, []string{"one", "two"}, got)
	require.Len(t, terminals, 1)
	assert.Equal(t, TerminalError, terminals[0].Kind)
	assert.Equal(t, "model API exploded", terminals[0].Error)
	assert.Equal(t, 2, s.ChunkCount())
}

func TestFailingSinkIsDetachedOthersUnaffected(t *testing.T) {
	s := NewSession("m1")
	healthy := newRecordSink(SinkSSE)
	broken := newRecordSink(SinkWebSocket)
	broken.failAfter = 1

	s.AttachSink(healthy)
	s.AttachSink(broken)

	require.NoError(t, s.Start(NewSliceProducer(context.Background(), []string{"a", "b", "c"})))
	waitTerminal(t, s)

	gotHealthy, terminalsHealthy := healthy.snapshot()
	assert.Equal(t, []string{"a", "b", "c"}, gotHealthy)
	require.Len(t, terminalsHealthy, 1)

	gotBroken, terminalsBroken := broken.snapshot()
	assert.Equal(t, []string{"a"}, gotBroken)
	assert.Empty(t, terminalsBroken, "detached sink gets no terminal event")
}

func TestDetachDoesNotEndSession(t *testing.T) {
	s := NewSession("m1")
	sink := newRecordSink(SinkSSE)
	s.AttachSink(sink)

	chunks := make(chan string)
	errc := make(chan error)
	require.NoError(t, s.Start(NewChanProducer(context.Background(), chunks, errc)))

	chunks <- "a"
	require.Eventually(t, func() bool { return s.ChunkCount() == 1 }, time.Second, time.Millisecond)

	s.DetachSink(sink)
	assert.Equal(t, 0, s.SinkCount())
	assert.Equal(t, StatusActive, s.Status(), "transport loss must not cancel the session")

	chunks <- "b"
	close(chunks)
	waitTerminal(t, s)
	assert.Equal(t, StatusCompleted, s.Status())
	assert.Equal(t, "ab", s.Aggregate())
}

func TestAttachAfterTerminalReplaysAndFinishes(t *testing.T) {
	s := NewSession("m1")
	require.NoError(t, s.Start(NewSliceProducer(context.Background(), []string{"done", " deal"})))
	waitTerminal(t, s)

	late := newRecordSink(SinkWebSocket)
	s.AttachSink(late)

	got, terminals := late.snapshot()
	assert.Equal(t, []string{"done", " deal"}, got)
	require.Len(t, terminals, 1)
	assert.Equal(t, TerminalDone, terminals[0].Kind)
	assert.Equal(t, 0, s.SinkCount())
}
