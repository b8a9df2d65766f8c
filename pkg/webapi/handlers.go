package webapi

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/therapist/pkg/archive"
	"github.com/go-go-golems/therapist/pkg/chat"
	"github.com/go-go-golems/therapist/pkg/session"
	"github.com/go-go-golems/therapist/pkg/sessionevents"
)

const maxBodyBytes = 10 << 20

type createSessionResponse struct {
	ID     string         `json:"id"`
	Status session.Status `json:"status"`
}

type chatBody struct {
	Messages  json.RawMessage `json:"messages"`
	Task      string          `json:"task"`
	Model     string          `json:"model"`
	SessionID string          `json:"sessionId"`
}

type summaryBody struct {
	SessionID string `json:"sessionId"`
}

type memoryStats struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"totalAlloc"`
	Sys        uint64 `json:"sys"`
	Goroutines int    `json:"goroutines"`
}

type healthResponse struct {
	OK          bool        `json:"ok"`
	Timestamp   string      `json:"timestamp"`
	Uptime      float64     `json:"uptime"`
	Version     string      `json:"version"`
	Environment string      `json:"environment"`
	Sessions    int         `json:"sessions"`
	Memory      memoryStats `json:"memory"`
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/session", s.handleCreateSession)
	mux.HandleFunc("POST /api/session/{id}/start", s.lifecycle(sessionevents.TypeStarted, (*session.Session).Start))
	mux.HandleFunc("POST /api/session/{id}/pause", s.lifecycle(sessionevents.TypePaused, (*session.Session).Pause))
	mux.HandleFunc("POST /api/session/{id}/end", s.lifecycle(sessionevents.TypeEnded, (*session.Session).End))
	mux.HandleFunc("POST /api/session/{id}/billing/start", s.lifecycle(sessionevents.TypeBillingStarted, (*session.Session).BeginBilling))
	mux.HandleFunc("GET /api/session/{id}", s.handleGetSession)
	mux.HandleFunc("GET /api/session/{id}/ws", s.handleSessionWS)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/summary", s.handleSummary)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /", s.handleRoot)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Create()
	log.Info().Str("component", "webapi").Str("session_id", sess.ID()).Msg("session created")
	s.bus.PublishStatus(r.Context(), sessionevents.TypeCreated, sess)
	writeJSON(w, http.StatusOK, createSessionResponse{ID: sess.ID(), Status: sess.Status()})
}

// lifecycle builds a handler that ensures the session, applies op and answers with the new status.
func (s *Server) lifecycle(eventType string, op func(*session.Session)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := s.sessions.Ensure(r.PathValue("id"))
		op(sess)
		log.Debug().Str("component", "webapi").Str("session_id", sess.ID()).Str("event", eventType).Str("state", string(sess.State())).Msg("session lifecycle")
		s.bus.PublishStatus(r.Context(), eventType, sess)
		if eventType == sessionevents.TypeEnded {
			s.archiveSession(r.Context(), sess)
		}
		writeJSON(w, http.StatusOK, sess.Status())
	}
}

func (s *Server) archiveSession(ctx context.Context, sess *session.Session) {
	if s.archive == nil {
		return
	}
	if err := s.archive.Save(ctx, archive.RecordFromSnapshot(sess.Snapshot())); err != nil {
		log.Error().Err(err).Str("component", "webapi").Str("session_id", sess.ID()).Msg("failed to archive session")
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	sess.Tick()
	writeJSON(w, http.StatusOK, sess.Status())
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "webapi").Str("session_id", sess.ID()).Msg("websocket upgrade failed")
		return
	}
	if err := s.hub.Attach(sess, conn); err != nil {
		log.Warn().Err(err).Str("component", "webapi").Msg("websocket attach failed")
		_ = conn.Close()
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	msgs, err := chat.DecodeMessages(body.Messages)
	if err != nil {
		s.writeChatError(w, err, true)
		return
	}
	resp, err := s.chat.Chat(r.Context(), chat.Request{
		Messages:  msgs,
		Task:      body.Task,
		Model:     body.Model,
		SessionID: body.SessionID,
	})
	if err != nil {
		s.writeChatError(w, err, true)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	var body summaryBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	resp, err := s.chat.Summarize(r.Context(), body.SessionID)
	if err != nil {
		s.writeChatError(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeChatError renders relay failures; upstream failures carry a detail field.
func (s *Server) writeChatError(w http.ResponseWriter, err error, withTimestamp bool) {
	var re *chat.RequestError
	if !stderrors.As(err, &re) || re == nil {
		log.Error().Err(err).Str("component", "webapi").Msg("unexpected chat error")
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	body := errorBody{Error: re.ClientMsg}
	if re.ClientMsg == "Upstream error" {
		body.Detail = chat.Detail(re)
		if withTimestamp {
			body.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
		}
	}
	writeJSON(w, re.Status, body)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	writeJSON(w, http.StatusOK, healthResponse{
		OK:          true,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		Uptime:      time.Since(s.startedAt).Seconds(),
		Version:     s.version,
		Environment: s.environment,
		Sessions:    s.sessions.Len(),
		Memory: memoryStats{
			Alloc:      ms.Alloc,
			TotalAlloc: ms.TotalAlloc,
			Sys:        ms.Sys,
			Goroutines: runtime.NumGoroutine(),
		},
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if s.static != nil && s.serveStatic(r.URL.Path) {
		s.static.ServeHTTP(w, r)
		return
	}
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": s.name, "chat_endpoint": "/api/chat"})
}

// serveStatic reports whether the static dir has something to serve for urlPath.
func (s *Server) serveStatic(urlPath string) bool {
	rel := strings.TrimPrefix(filepath.Clean("/"+urlPath), "/")
	if rel == "" || rel == "." {
		rel = "index.html"
	}
	fi, err := os.Stat(filepath.Join(s.staticDir, filepath.FromSlash(rel)))
	if err != nil {
		return false
	}
	if fi.IsDir() {
		_, err = os.Stat(filepath.Join(s.staticDir, filepath.FromSlash(rel), "index.html"))
		return err == nil
	}
	return true
}

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
}
