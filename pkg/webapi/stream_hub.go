package webapi

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/therapist/pkg/session"
	"github.com/go-go-golems/therapist/pkg/sessionevents"
)

const (
	frameHello = "session.hello"
	framePong  = "session.pong"
)

// StreamFrame is what websocket clients receive.
type StreamFrame struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	Status    session.Status `json:"status"`
	At        int64          `json:"at"`
}

// StreamHub fans session events out to the websocket clients of each session.
type StreamHub struct {
	bus *sessionevents.Bus

	mu    sync.Mutex
	pools map[string]*ConnectionPool
}

func NewStreamHub(bus *sessionevents.Bus) (*StreamHub, error) {
	if bus == nil {
		return nil, errors.New("stream hub bus is nil")
	}
	return &StreamHub{bus: bus, pools: map[string]*ConnectionPool{}}, nil
}

// Run forwards bus events until ctx is done.
func (h *StreamHub) Run(ctx context.Context) error {
	events, err := h.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	for ev := range events {
		h.Dispatch(ev)
	}
	h.closeAll()
	return nil
}

// Dispatch sends one event to the clients of its session.
func (h *StreamHub) Dispatch(ev sessionevents.Event) {
	h.mu.Lock()
	pool := h.pools[ev.SessionID]
	h.mu.Unlock()
	if pool == nil {
		return
	}
	b, err := json.Marshal(StreamFrame(ev))
	if err != nil {
		log.Warn().Err(err).Str("component", "webapi").Msg("failed to encode stream frame")
		return
	}
	pool.Broadcast(b)
}

// attach adds conn to the session's pool. Lookup and Add share the hub lock so
// a concurrent remove of the last connection cannot drop the pool in between.
func (h *StreamHub) attach(sessionID string, conn wsConn) *ConnectionPool {
	h.mu.Lock()
	defer h.mu.Unlock()
	pool, ok := h.pools[sessionID]
	if !ok {
		pool = NewConnectionPool(sessionID)
		h.pools[sessionID] = pool
	}
	pool.Add(conn)
	return pool
}

func (h *StreamHub) remove(sessionID string, conn wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pool, ok := h.pools[sessionID]
	if !ok {
		_ = conn.Close()
		return
	}
	if pool.Remove(conn) == 0 {
		delete(h.pools, sessionID)
	}
}

func (h *StreamHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, pool := range h.pools {
		pool.CloseAll()
		delete(h.pools, id)
	}
}

// ConnectionCount reports the number of clients watching sessionID.
func (h *StreamHub) ConnectionCount(sessionID string) int {
	h.mu.Lock()
	pool := h.pools[sessionID]
	h.mu.Unlock()
	return pool.Count()
}

// Attach registers conn for s, greets it with the current status and serves
// pings until the client goes away.
func (h *StreamHub) Attach(s *session.Session, conn *websocket.Conn) error {
	if s == nil {
		return errors.New("missing session")
	}
	if conn == nil {
		return errors.New("websocket connection is nil")
	}
	sessionID := s.ID()
	pool := h.attach(sessionID, conn)

	wsLog := log.With().
		Str("component", "webapi").
		Str("remote", conn.RemoteAddr().String()).
		Str("session_id", sessionID).
		Logger()
	wsLog.Info().Msg("ws connected")

	send := func(frameType string) {
		b, err := json.Marshal(StreamFrame{Type: frameType, SessionID: sessionID, Status: s.Status(), At: time.Now().UnixMilli()})
		if err == nil {
			pool.SendToOne(conn, b)
		}
	}
	send(frameHello)

	go func() {
		defer h.remove(sessionID, conn)
		defer wsLog.Info().Msg("ws disconnected")
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				wsLog.Debug().Err(err).Msg("ws read loop end")
				return
			}
			if msgType == websocket.TextMessage && isPing(data) {
				s.Tick()
				send(framePong)
			}
		}
	}()
	return nil
}

func isPing(data []byte) bool {
	text := strings.TrimSpace(strings.ToLower(string(data)))
	if text == "ping" {
		return true
	}
	var v struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return false
	}
	return strings.EqualFold(v.Type, "ping") || strings.EqualFold(v.Type, "session.ping")
}
