package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/internal/event"
)

func TestManagerCreateGetRemove(t *testing.T) {
	m := NewManager(time.Minute, nil)
	defer m.Close()

	s := m.Create("m1")
	assert.NotEmpty(t, s.ID())
	assert.Same(t, s, m.Get(s.ID()))
	assert.Nil(t, m.Get("nope"))

	m.Remove(s.ID())
	assert.Nil(t, m.Get(s.ID()))
	// Removing a live session cancels it.
	assert.Equal(t, StatusCancelled, s.Status())
}

func TestManagerActiveCount(t *testing.T) {
	m := NewManager(time.Minute, nil)
	defer m.Close()

	a := m.Create("m1")
	b := m.Create("m1")
	assert.Equal(t, 2, m.ActiveCount())

	require.NoError(t, a.Start(NewSliceProducer(context.Background(), []string{"x"})))
	waitTerminal(t, a)

	assert.Equal(t, 1, m.ActiveCount())
	assert.Equal(t, 2, m.Count(), "terminal sessions stay in the table until evicted")

	b.Cancel()
	assert.Equal(t, 0, m.ActiveCount())
}

func TestManagerSweepEvictsExpiredTerminals(t *testing.T) {
	m := NewManager(time.Minute, nil)
	defer m.Close()

	done := m.Create("m1")
	require.NoError(t, done.Start(NewSliceProducer(context.Background(), []string{"x"})))
	waitTerminal(t, done)

	live := m.Create("m1")

	// Before the TTL elapses nothing is evicted.
	m.sweep(time.Now())
	assert.Equal(t, 2, m.Count())

	// Past the TTL only the terminal session goes.
	m.sweep(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 1, m.Count())
	assert.Nil(t, m.Get(done.ID()))
	assert.Same(t, live, m.Get(live.ID()))
}

func TestManagerPublishesLifecycleEvents(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	created := make(chan event.Event, 1)
	completed := make(chan event.Event, 1)
	bus.Subscribe(event.SessionCreated, func(e event.Event) { created <- e })
	bus.Subscribe(event.SessionCompleted, func(e event.Event) { completed <- e })

	m := NewManager(time.Minute, bus)
	defer m.Close()

	s := m.Create("m1")
	select {
	case e := <-created:
		assert.Equal(t, s.ID(), e.Data.(event.SessionData).SessionID)
	case <-time.After(time.Second):
		t.Fatal("no session.created event")
	}

	require.NoError(t, s.Start(NewSliceProducer(context.Background(), []string{"ab", "c"})))
	select {
	case e := <-completed:
		data := e.Data.(event.CompletedData)
		assert.Equal(t, s.ID(), data.SessionID)
		assert.Equal(t, 2, data.ChunkCount)
		assert.Equal(t, 3, data.TotalBytes)
	case <-time.After(time.Second):
		t.Fatal("no session.completed event")
	}
}

func TestBusSinkForwardsChunksInOrder(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	var got []event.ChunkData
	bus.Subscribe(event.SessionChunk, func(e event.Event) {
		got = append(got, e.Data.(event.ChunkData))
	})

	m := NewManager(time.Minute, bus)
	defer m.Close()

	s := m.Create("m1")
	s.AttachSink(&BusSink{SessionID: s.ID(), Bus: bus})

	require.NoError(t, s.Start(NewSliceProducer(context.Background(), []string{"a", "b", "c"})))
	waitTerminal(t, s)

	require.Len(t, got, 3)
	for i, data := range got {
		assert.Equal(t, s.ID(), data.SessionID)
		assert.Equal(t, i, data.Index)
	}
	assert.Equal(t, "a", got[0].Content)
	assert.Equal(t, "c", got[2].Content)
}
