package session

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type ManagerOptions struct {
	// SilenceThreshold is applied to sessions created without an explicit threshold.
	SilenceThreshold time.Duration
	Clock            Clock
}

// Manager stores all live sessions. Entries are never evicted.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	defaults []Option
}

func NewManager(opts ManagerOptions) *Manager {
	var defaults []Option
	if opts.SilenceThreshold > 0 {
		defaults = append(defaults, WithSilenceThreshold(opts.SilenceThreshold))
	}
	if opts.Clock != nil {
		defaults = append(defaults, WithClock(opts.Clock))
	}
	return &Manager{
		sessions: map[string]*Session{},
		defaults: defaults,
	}
}

// Create registers a new session. A caller-supplied id that is already taken
// replaces the existing entry.
func (m *Manager) Create(opts ...Option) *Session {
	s := New(append(append([]Option(nil), m.defaults...), opts...)...)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.id]; ok {
		log.Warn().Str("component", "session").Str("session_id", s.id).Msg("session id already registered, replacing")
	}
	m.sessions[s.id] = s
	return s
}

// Get returns the session for id; the bool is false when it is unknown.
func (m *Manager) Get(id string) (*Session, bool) {
	id = strings.TrimSpace(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Ensure returns the session for id, creating and registering it if needed.
func (m *Manager) Ensure(id string) *Session {
	id = strings.TrimSpace(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s
	}
	s := New(append(append([]Option(nil), m.defaults...), WithID(id))...)
	m.sessions[s.id] = s
	return s
}

// List returns the registered sessions in no particular order.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
