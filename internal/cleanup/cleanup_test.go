package cleanup

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeReleaser struct {
	calls int
}

func (f *fakeReleaser) ReleaseAll(ctx context.Context) { f.calls++ }

func TestRunExecutesCallbacksInOrder(t *testing.T) {
	rel := &fakeReleaser{}
	c := New(rel)

	var order []string
	c.Register("first", func(ctx context.Context) error {
		order = append(order, "first")
		return nil
	})
	c.Register("second", func(ctx context.Context) error {
		order = append(order, "second")
		return nil
	})

	c.Run(context.Background())

	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, 1, rel.calls, "ports are force-released after callbacks")
}

func TestRunIsolatesFailures(t *testing.T) {
	rel := &fakeReleaser{}
	c := New(rel)

	ran := false
	c.Register("broken", func(ctx context.Context) error {
		return errors.New("boom")
	})
	c.Register("after", func(ctx context.Context) error {
		ran = true
		return nil
	})

	c.Run(context.Background())

	assert.True(t, ran, "a failing step must not stop the rest")
	assert.Equal(t, 1, rel.calls)
}

func TestRunIsIdempotent(t *testing.T) {
	rel := &fakeReleaser{}
	c := New(rel)

	calls := 0
	c.Register("step", func(ctx context.Context) error {
		calls++
		return nil
	})

	c.Run(context.Background())
	c.Run(context.Background())
	c.Run(context.Background())

	assert.Equal(t, 1, calls, "callbacks run exactly once")
}

func TestRunWithNilReleaser(t *testing.T) {
	c := New(nil)
	c.Register("step", func(ctx context.Context) error { return nil })
	c.Run(context.Background()) // must not panic
}

func TestHandleSignalsProdIsPlainContext(t *testing.T) {
	c := New(nil)

	ctx, cancel := c.HandleSignals(context.Background(), false)
	defer cancel()

	select {
	case <-ctx.Done():
		t.Fatal("context must stay live until cancelled")
	default:
	}

	cancel()
	<-ctx.Done()
}

func TestHandleSignalsDevContextCancels(t *testing.T) {
	c := New(nil)

	ctx, cancel := c.HandleSignals(context.Background(), true)
	cancel()
	<-ctx.Done()
}
