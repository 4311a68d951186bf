// Package portarbiter finds, reserves, and forcibly reclaims TCP ports for
// the relay server so concurrent instances and stale processes never fight
// over the same listener.
package portarbiter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/logging"
)

// Sentinel errors surfaced to callers.
var (
	// ErrNoPortAvailable means the sequential scan exhausted its attempt budget.
	ErrNoPortAvailable = errors.New("no available port found")
	// ErrPortBusy means the requested port is held and auto-reclaim was not requested.
	ErrPortBusy = errors.New("port is already in use")
	// ErrReclaimDeclined means the user declined the kill confirmation.
	ErrReclaimDeclined = errors.New("port reclaim declined")
)

// Reservation records one claimed port.
type Reservation struct {
	Port       int       `json:"port"`
	OwnerPID   int       `json:"ownerProcessId"`
	ReservedAt time.Time `json:"reservedAt"`
}

// PortHolders lists the processes currently listening on a reserved port.
type PortHolders struct {
	Port int     `json:"port"`
	PIDs []int32 `json:"pids"`
}

// Stats is the arbiter's introspection snapshot.
type Stats struct {
	Reserved []int         `json:"reserved"`
	Busy     []PortHolders `json:"busy"`
}

// ProcessTable abstracts OS process enumeration and termination so the
// arbiter can be tested without killing anything real.
type ProcessTable interface {
	// ListeningPIDs returns the PIDs of processes listening on the port.
	ListeningPIDs(port int) ([]int32, error)
	// Terminate kills a single process.
	Terminate(pid int32) error
}

// Confirmer gates a non-forced reclaim. Returning false declines the kill.
type Confirmer func(ctx context.Context, port int, pids []int32) bool

// DenyAll is a Confirmer that declines every reclaim. It is the safe default
// for non-interactive callers.
func DenyAll(context.Context, int, []int32) bool { return false }

// AllowAll is a Confirmer that approves every reclaim.
func AllowAll(context.Context, int, []int32) bool { return true }

// Arbiter tracks every port it has claimed for this process.
type Arbiter struct {
	mu           sync.Mutex
	reservations map[int]Reservation

	table       ProcessTable
	confirm     Confirmer
	bus         *event.Bus
	maxAttempts int
	ownerPID    int
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithConfirmer sets the confirmation gate for non-forced reclaims.
func WithConfirmer(c Confirmer) Option {
	return func(a *Arbiter) { a.confirm = c }
}

// WithBus publishes port.reserved / port.released events on the given bus.
func WithBus(bus *event.Bus) Option {
	return func(a *Arbiter) { a.bus = bus }
}

// WithProcessTable overrides OS process enumeration (used by tests).
func WithProcessTable(t ProcessTable) Option {
	return func(a *Arbiter) { a.table = t }
}

// WithMaxAttempts bounds the fallback port scan in Reserve.
func WithMaxAttempts(n int) Option {
	return func(a *Arbiter) { a.maxAttempts = n }
}

// New creates an Arbiter backed by the OS process table.
func New(opts ...Option) *Arbiter {
	a := &Arbiter{
		reservations: make(map[int]Reservation),
		table:        newPSUtilTable(),
		confirm:      DenyAll,
		maxAttempts:  10,
		ownerPID:     currentPID(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// IsAvailable reports whether anything currently listens on port.
// No side effects.
func (a *Arbiter) IsAvailable(port int) bool {
	pids, err := a.table.ListeningPIDs(port)
	if err != nil {
		// Enumeration failure is treated as free, mirroring lsof's non-zero
		// exit when no process holds the port.
		return true
	}
	return len(pids) == 0
}

// FindAvailable scans basePort, basePort+1, ... for a free, unreserved port.
func (a *Arbiter) FindAvailable(basePort, maxAttempts int) (int, error) {
	for i := 0; i < maxAttempts; i++ {
		port := basePort + i
		if port > 65535 {
			break
		}
		if a.isReserved(port) {
			continue
		}
		if a.IsAvailable(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: scanned %d ports from %d", ErrNoPortAvailable, maxAttempts, basePort)
}

// Reclaim frees a port by terminating its holders. When force is false the
// confirmation gate must approve first. Kills are best-effort per PID; the
// final availability check decides the result.
func (a *Arbiter) Reclaim(ctx context.Context, port int, force bool) (bool, error) {
	pids, err := a.table.ListeningPIDs(port)
	if err != nil || len(pids) == 0 {
		return true, nil
	}

	if !force && !a.confirm(ctx, port, pids) {
		logging.Info().Int("port", port).Int("holders", len(pids)).Msg("port reclaim declined")
		return false, nil
	}

	for _, pid := range pids {
		if err := a.table.Terminate(pid); err != nil {
			logging.Error().Err(err).Int32("pid", pid).Int("port", port).Msg("failed to kill port holder")
			continue
		}
		logging.Warn().Int32("pid", pid).Int("port", port).Msg("killed process holding port")
	}

	return a.IsAvailable(port), nil
}

// Reserve claims port for this process. A busy port is reclaimed when
// autoReclaim is set; if reclaim is declined or fails, the next free port is
// substituted and the substitution is visible in the returned value.
func (a *Arbiter) Reserve(ctx context.Context, port int, autoReclaim bool) (int, error) {
	available := !a.isReserved(port) && a.IsAvailable(port)

	if !available {
		if !autoReclaim {
			return 0, fmt.Errorf("%w: %d", ErrPortBusy, port)
		}

		freed, err := a.Reclaim(ctx, port, false)
		if err != nil {
			return 0, err
		}
		if !freed || a.isReserved(port) {
			alt, err := a.FindAvailable(port+1, a.maxAttempts)
			if err != nil {
				return 0, err
			}
			logging.Warn().Int("requested", port).Int("substitute", alt).Msg("port busy, using alternative")
			port = alt
		}
	}

	res := Reservation{
		Port:       port,
		OwnerPID:   a.ownerPID,
		ReservedAt: time.Now(),
	}

	a.mu.Lock()
	a.reservations[port] = res
	a.mu.Unlock()

	if a.bus != nil {
		a.bus.Publish(event.Event{Type: event.PortReserved, Data: event.PortData{Port: port}})
	}
	logging.Info().Int("port", port).Msg("port reserved")

	return port, nil
}

// Release drops a single reservation without touching the OS.
func (a *Arbiter) Release(port int) {
	a.mu.Lock()
	_, held := a.reservations[port]
	delete(a.reservations, port)
	a.mu.Unlock()

	if held && a.bus != nil {
		a.bus.Publish(event.Event{Type: event.PortReleased, Data: event.PortData{Port: port}})
	}
}

// ReleaseAll force-reclaims and drops every reservation. Per-port failures
// are logged and do not stop the sweep.
func (a *Arbiter) ReleaseAll(ctx context.Context) {
	a.mu.Lock()
	ports := make([]int, 0, len(a.reservations))
	for port := range a.reservations {
		ports = append(ports, port)
	}
	a.reservations = make(map[int]Reservation)
	a.mu.Unlock()

	sort.Ints(ports)
	for _, port := range ports {
		if _, err := a.Reclaim(ctx, port, true); err != nil {
			logging.Error().Err(err).Int("port", port).Msg("failed to free port during release")
		}
		if a.bus != nil {
			a.bus.Publish(event.Event{Type: event.PortReleased, Data: event.PortData{Port: port}})
		}
	}
}

// Stats returns the reservation set and, for each reserved port, any
// processes currently listening on it. Introspection only.
func (a *Arbiter) Stats() Stats {
	a.mu.Lock()
	ports := make([]int, 0, len(a.reservations))
	for port := range a.reservations {
		ports = append(ports, port)
	}
	a.mu.Unlock()
	sort.Ints(ports)

	stats := Stats{Reserved: ports}
	for _, port := range ports {
		pids, err := a.table.ListeningPIDs(port)
		if err != nil || len(pids) == 0 {
			continue
		}
		stats.Busy = append(stats.Busy, PortHolders{Port: port, PIDs: pids})
	}
	return stats
}

// Reservations returns a snapshot of current reservations.
func (a *Arbiter) Reservations() []Reservation {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Reservation, 0, len(a.reservations))
	for _, r := range a.reservations {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

func (a *Arbiter) isReserved(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.reservations[port]
	return ok
}
