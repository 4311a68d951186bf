package stream

import (
	"sort"
	"sync"
	"time"

	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/logging"
)

// DefaultSessionTTL is how long a terminal session is retained for late
// readers before eviction.
const DefaultSessionTTL = 5 * time.Minute

// Manager owns the active-session table. Sessions are removed only after
// reaching a terminal state, either explicitly or by the TTL janitor.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	ttl  time.Duration
	bus  *event.Bus
	stop chan struct{}
	once sync.Once
}

// NewManager creates a Manager and starts the eviction janitor. A zero or
// negative ttl falls back to DefaultSessionTTL.
func NewManager(ttl time.Duration, bus *event.Bus) *Manager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	m := &Manager{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		bus:      bus,
		stop:     make(chan struct{}),
	}
	go m.janitor()
	return m
}

// Create registers a new pending session.
func (m *Manager) Create(modelID string) *Session {
	s := newSession(modelID, m.bus)

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(event.Event{Type: event.SessionCreated, Data: event.SessionData{
			SessionID: s.id,
			ModelID:   modelID,
		}})
	}
	return s
}

// Get returns the session with the given ID, or nil.
func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// Remove drops a session from the table. Live sessions are cancelled first
// so no consumer is left producing into the void.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	s := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if s != nil && !s.Status().Terminal() {
		s.Cancel()
	}
}

// All returns every session still in the table, oldest first.
func (m *Manager) All() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].createdAt.Before(sessions[j].createdAt)
	})
	return sessions
}

// ActiveCount returns the number of non-terminal sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, s := range m.sessions {
		if !s.Status().Terminal() {
			count++
		}
	}
	return count
}

// Count returns the total table size, terminal sessions included.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops the janitor and cancels every live session.
func (m *Manager) Close() {
	m.once.Do(func() { close(m.stop) })

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		if !s.Status().Terminal() {
			s.Cancel()
		}
	}
}

// janitor sweeps terminal sessions that outlived the retention TTL.
func (m *Manager) janitor() {
	interval := m.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep evicts sessions whose terminal state is older than the TTL.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range m.sessions {
		fin := s.finished()
		if fin.IsZero() || now.Sub(fin) < m.ttl {
			continue
		}
		delete(m.sessions, id)
		logging.Debug().Str("sessionID", id).Msg("evicted expired session")
	}
}
