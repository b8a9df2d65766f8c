package webapi

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/therapist/pkg/session"
	"github.com/go-go-golems/therapist/pkg/sessionevents"
)

// DefaultSilenceCheckInterval is how often listening sessions are ticked.
const DefaultSilenceCheckInterval = time.Second

// SilenceMonitor ticks listening sessions and publishes one session.silence
// event each time a session crosses its silence threshold.
type SilenceMonitor struct {
	sessions *session.Manager
	bus      *sessionevents.Bus
	interval time.Duration

	mu       sync.Mutex
	prompted map[string]bool
	running  bool
}

func NewSilenceMonitor(sessions *session.Manager, bus *sessionevents.Bus, interval time.Duration) *SilenceMonitor {
	if interval <= 0 {
		interval = DefaultSilenceCheckInterval
	}
	return &SilenceMonitor{
		sessions: sessions,
		bus:      bus,
		interval: interval,
		prompted: map[string]bool{},
	}
}

// Run blocks until ctx is done. A second concurrent Run returns immediately.
func (m *SilenceMonitor) Run(ctx context.Context) error {
	if m == nil || m.sessions == nil {
		return nil
	}
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			return nil
		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}

// CheckOnce ticks every listening session and returns how many silence events were published.
func (m *SilenceMonitor) CheckOnce(ctx context.Context) int {
	if m == nil || m.sessions == nil {
		return 0
	}
	published := 0
	seen := map[string]bool{}
	for _, s := range m.sessions.List() {
		id := s.ID()
		seen[id] = true
		if s.State() == session.StateListening {
			s.Tick()
		}
		st := s.Status()
		crossed := st.Listening && st.CanPromptSilence

		m.mu.Lock()
		already := m.prompted[id]
		if crossed {
			m.prompted[id] = true
		} else {
			delete(m.prompted, id)
		}
		m.mu.Unlock()

		if crossed && !already {
			log.Debug().Str("component", "webapi").Str("session_id", id).Int64("silence_ms", st.SilenceMs).Msg("silence threshold crossed")
			m.bus.PublishStatus(ctx, sessionevents.TypeSilence, s)
			published++
		}
	}

	m.mu.Lock()
	for id := range m.prompted {
		if !seen[id] {
			delete(m.prompted, id)
		}
	}
	m.mu.Unlock()
	return published
}
