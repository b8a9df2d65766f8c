package cmds

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/therapist/pkg/archive"
	"github.com/go-go-golems/therapist/pkg/chat"
	"github.com/go-go-golems/therapist/pkg/openrouter"
	"github.com/go-go-golems/therapist/pkg/routing"
	"github.com/go-go-golems/therapist/pkg/session"
	"github.com/go-go-golems/therapist/pkg/sessionevents"
	"github.com/go-go-golems/therapist/pkg/webapi"
)

func NewServeCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session and chat relay HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := BuildServer(ctx, cfg, version)
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}
	AddServeFlags(cmd.Flags())
	return cmd
}

// BuildServer wires every component described by cfg. On error, anything
// already opened is closed again.
func BuildServer(ctx context.Context, cfg Config, version string) (srv *webapi.Server, err error) {
	policy, err := routing.NewWatcher(cfg.PolicyPath)
	if err != nil {
		return nil, errors.Wrap(err, "load routing policy")
	}

	var completer chat.Completer
	if strings.TrimSpace(cfg.APIKey) != "" {
		client, err := openrouter.New(cfg.OpenRouterSettings())
		if err != nil {
			return nil, err
		}
		completer = client
	} else {
		log.Warn().Msg("OPENROUTER_API_KEY not set; /api/chat and /api/summary will fail")
	}

	bus, err := sessionevents.NewBus(ctx, cfg.RedisSettings())
	if err != nil {
		return nil, errors.Wrap(err, "build session event bus")
	}
	var store archive.Store
	defer func() {
		if err == nil {
			return
		}
		if store != nil {
			_ = store.Close()
		}
		_ = bus.Close()
	}()

	if path := strings.TrimSpace(cfg.ArchiveDB); path != "" {
		dsn, err := archive.DSNForFile(path)
		if err != nil {
			return nil, err
		}
		s, err := archive.NewSQLiteStore(dsn)
		if err != nil {
			return nil, errors.Wrap(err, "open session archive")
		}
		store = s
	}

	sessions := session.NewManager(cfg.SessionOptions())
	svc, err := chat.NewService(chat.ServiceConfig{
		Sessions:     sessions,
		Completer:    completer,
		Policy:       policy,
		DefaultModel: cfg.Model,
		Notify:       bus.PublishStatus,
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("addr", cfg.ListenAddr()).
		Str("env", cfg.Environment).
		Str("policy", policy.Path()).
		Bool("redis", cfg.RedisEnabled).
		Bool("archive", store != nil).
		Msg("therapist configured")

	return webapi.NewServer(webapi.ServerConfig{
		Addr:                 cfg.ListenAddr(),
		Sessions:             sessions,
		Chat:                 svc,
		Bus:                  bus,
		Archive:              store,
		Policy:               policy,
		StaticDir:            cfg.StaticDir,
		Version:              version,
		Environment:          cfg.Environment,
		SilenceCheckInterval: cfg.SilenceCheckInterval,
	})
}
