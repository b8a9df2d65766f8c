package webapi

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/therapist/pkg/session"
	"github.com/go-go-golems/therapist/pkg/sessionevents"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSilenceMonitor_PublishesOncePerCrossing(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	sessions := session.NewManager(session.ManagerOptions{Clock: clock.Now})
	bus := sessionevents.NewInMemoryBus()
	defer func() { _ = bus.Close() }()
	monitor := NewSilenceMonitor(sessions, bus, time.Hour)

	s := sessions.Create(session.WithID("quiet"))
	idle := sessions.Create(session.WithID("idle"))
	s.Start()

	clock.Advance(10 * time.Second)
	require.Equal(t, 0, monitor.CheckOnce(context.Background()))

	clock.Advance(6 * time.Second)
	require.Equal(t, 1, monitor.CheckOnce(context.Background()))
	require.Equal(t, int64(16000), s.Status().SilenceMs)
	require.Equal(t, session.StateIdle, idle.State())

	// still silent, already prompted
	clock.Advance(5 * time.Second)
	require.Equal(t, 0, monitor.CheckOnce(context.Background()))

	// a user turn resets the crossing
	s.AddUserMessage("sorry, I was thinking")
	require.Equal(t, 0, monitor.CheckOnce(context.Background()))
	clock.Advance(15 * time.Second)
	require.Equal(t, 1, monitor.CheckOnce(context.Background()))
}

func TestSilenceMonitor_IgnoresPausedSessions(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	sessions := session.NewManager(session.ManagerOptions{Clock: clock.Now})
	bus := sessionevents.NewInMemoryBus()
	defer func() { _ = bus.Close() }()
	monitor := NewSilenceMonitor(sessions, bus, 0)

	s := sessions.Create()
	s.Start()
	s.Pause()
	clock.Advance(time.Minute)
	require.Equal(t, 0, monitor.CheckOnce(context.Background()))
	require.Equal(t, int64(0), s.Status().SilenceMs)
}

func TestSilenceMonitor_RunStopsWithContext(t *testing.T) {
	sessions := session.NewManager(session.ManagerOptions{})
	bus := sessionevents.NewInMemoryBus()
	defer func() { _ = bus.Close() }()
	monitor := NewSilenceMonitor(sessions, bus, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- monitor.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
