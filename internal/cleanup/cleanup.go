// Package cleanup coordinates orderly teardown: registered callbacks run
// once, failures are isolated, and reserved ports are force-released last so
// the next start never inherits a squatted port.
package cleanup

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/chatrelay/chatrelay/internal/logging"
)

// Func is one teardown step.
type Func func(ctx context.Context) error

// PortReleaser force-releases every held port reservation.
type PortReleaser interface {
	ReleaseAll(ctx context.Context)
}

type callback struct {
	name string
	fn   Func
}

// Coordinator runs registered teardown callbacks exactly once.
type Coordinator struct {
	mu        sync.Mutex
	callbacks []callback
	releaser  PortReleaser
}

// New creates a Coordinator. releaser may be nil when no ports are held.
func New(releaser PortReleaser) *Coordinator {
	return &Coordinator{releaser: releaser}
}

// Register appends a teardown step. Steps run in registration order.
func (c *Coordinator) Register(name string, fn Func) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, callback{name: name, fn: fn})
}

// Run executes all registered callbacks, then force-releases held ports.
// A failing callback is logged and skipped; the rest still run. Run is
// idempotent: the registry is consumed, so a second call is a no-op.
func (c *Coordinator) Run(ctx context.Context) {
	c.mu.Lock()
	callbacks := c.callbacks
	c.callbacks = nil
	releaser := c.releaser
	c.mu.Unlock()

	for _, cb := range callbacks {
		if err := cb.fn(ctx); err != nil {
			logging.Warn().Str("step", cb.name).Err(err).Msg("cleanup step failed")
			continue
		}
		logging.Debug().Str("step", cb.name).Msg("cleanup step done")
	}

	if releaser != nil {
		releaser.ReleaseAll(ctx)
	}
}

// HandleSignals returns a context cancelled on SIGINT/SIGTERM/SIGHUP. Signal
// handling is installed only in dev mode; production hosts drive shutdown
// through their own supervisor, and a stray HUP must not kill the relay.
func (c *Coordinator) HandleSignals(ctx context.Context, dev bool) (context.Context, context.CancelFunc) {
	if !dev {
		return context.WithCancel(ctx)
	}
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
}
