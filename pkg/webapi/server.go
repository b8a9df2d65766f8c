// Package webapi exposes the session registry, the chat relay and the live
// session stream over HTTP.
package webapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/therapist/pkg/archive"
	"github.com/go-go-golems/therapist/pkg/chat"
	"github.com/go-go-golems/therapist/pkg/routing"
	"github.com/go-go-golems/therapist/pkg/session"
	"github.com/go-go-golems/therapist/pkg/sessionevents"
)

const shutdownTimeout = 30 * time.Second

type ServerConfig struct {
	Addr     string
	Sessions *session.Manager
	Chat     *chat.Service
	Bus      *sessionevents.Bus
	// Archive is optional; ended sessions are saved to it.
	Archive archive.Store
	// Policy is optional; when set its file watcher runs with the server.
	Policy *routing.Watcher
	// StaticDir is optional; files in it are served under /.
	StaticDir            string
	Name                 string
	Version              string
	Environment          string
	SilenceCheckInterval time.Duration
}

// Server owns the HTTP listener and the background loops feeding live clients.
type Server struct {
	sessions    *session.Manager
	chat        *chat.Service
	bus         *sessionevents.Bus
	archive     archive.Store
	policy      *routing.Watcher
	hub         *StreamHub
	monitor     *SilenceMonitor
	upgrader    websocket.Upgrader
	static      http.Handler
	staticDir   string
	name        string
	version     string
	environment string
	startedAt   time.Time
	httpSrv     *http.Server
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("server session manager is nil")
	}
	if cfg.Chat == nil {
		return nil, errors.New("server chat service is nil")
	}
	if cfg.Bus == nil {
		return nil, errors.New("server event bus is nil")
	}
	hub, err := NewStreamHub(cfg.Bus)
	if err != nil {
		return nil, err
	}
	s := &Server{
		sessions:    cfg.Sessions,
		chat:        cfg.Chat,
		bus:         cfg.Bus,
		archive:     cfg.Archive,
		policy:      cfg.Policy,
		hub:         hub,
		monitor:     NewSilenceMonitor(cfg.Sessions, cfg.Bus, cfg.SilenceCheckInterval),
		upgrader:    newUpgrader(),
		name:        cfg.Name,
		version:     cfg.Version,
		environment: cfg.Environment,
		startedAt:   time.Now(),
	}
	if s.name == "" {
		s.name = "nlp-therapy-ai"
	}
	if dir := strings.TrimSpace(cfg.StaticDir); dir != "" {
		s.staticDir = dir
		s.static = http.FileServer(http.Dir(dir))
	}
	addr := cfg.Addr
	if addr == "" {
		addr = ":8787"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the full route table wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return withRequestLogging(mux)
}

func (s *Server) StreamHub() *StreamHub { return s.hub }

func (s *Server) SilenceMonitor() *SilenceMonitor { return s.monitor }

func (s *Server) HTTPServer() *http.Server { return s.httpSrv }

// Run serves until ctx is cancelled, then shuts down within a 30s window.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error { return s.hub.Run(egCtx) })
	eg.Go(func() error { return s.monitor.Run(egCtx) })
	if s.policy != nil {
		eg.Go(func() error { return s.policy.Run(egCtx) })
	}

	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Str("component", "webapi").Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		if s.archive != nil {
			if err := s.archive.Close(); err != nil {
				log.Error().Err(err).Msg("archive close error")
			}
		}
		if err := s.bus.Close(); err != nil {
			log.Error().Err(err).Msg("event bus close error")
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting therapist server")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server listen error")
			return errors.Wrap(err, "listen")
		}
		return nil
	})

	return eg.Wait()
}
