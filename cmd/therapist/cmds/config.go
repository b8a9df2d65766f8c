package cmds

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/go-go-golems/therapist/pkg/openrouter"
	"github.com/go-go-golems/therapist/pkg/session"
	"github.com/go-go-golems/therapist/pkg/sessionevents"
)

// Config is the serve configuration. Environment variables are read first,
// then any flag set on the command line wins.
type Config struct {
	Addr string `env:"THERAPIST_ADDR"`
	Port string `env:"PORT" envDefault:"8787"`

	APIKey     string `env:"OPENROUTER_API_KEY"`
	BaseURL    string `env:"OPENROUTER_BASE" envDefault:"https://openrouter.ai/api/v1"`
	Model      string `env:"OPENROUTER_MODEL"`
	PolicyPath string `env:"OPENROUTER_POLICY"`
	Referer    string `env:"HTTP_REFERER" envDefault:"https://local.dev"`
	Title      string `env:"X_TITLE" envDefault:"NLP Therapy AI"`

	Environment string `env:"APP_ENV" envDefault:"development"`
	StaticDir   string `env:"THERAPIST_STATIC_DIR"`
	ArchiveDB   string `env:"THERAPIST_ARCHIVE_DB"`

	SilenceThreshold     time.Duration `env:"THERAPIST_SILENCE_THRESHOLD" envDefault:"15s"`
	SilenceCheckInterval time.Duration `env:"THERAPIST_SILENCE_CHECK_INTERVAL" envDefault:"1s"`
	UpstreamTimeout      time.Duration `env:"THERAPIST_UPSTREAM_TIMEOUT" envDefault:"60s"`

	RedisEnabled  bool   `env:"THERAPIST_REDIS_ENABLED"`
	RedisAddr     string `env:"THERAPIST_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisGroup    string `env:"THERAPIST_REDIS_GROUP"`
	RedisConsumer string `env:"THERAPIST_REDIS_CONSUMER"`
}

// ParseEnv loads a Config from environment variables.
func ParseEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse env")
	}
	return cfg, nil
}

// AddServeFlags registers the flags that can override Config.
func AddServeFlags(fs *pflag.FlagSet) {
	fs.String("addr", "", "HTTP listen address (defaults to :$PORT)")
	fs.String("api-key", "", "OpenRouter API key")
	fs.String("base-url", "", "OpenAI-compatible API base URL")
	fs.String("model", "", "default model when no policy route matches")
	fs.String("policy", "", "path to the YAML routing policy")
	fs.String("env", "", "environment name reported by /healthz")
	fs.String("static-dir", "", "directory of static files served under /")
	fs.String("archive-db", "", "SQLite file ended sessions are archived to")
	fs.Duration("silence-threshold", 0, "silence before a session may prompt")
	fs.Duration("silence-check-interval", 0, "how often listening sessions are checked for silence")
	fs.Duration("upstream-timeout", 0, "timeout for model requests")
	fs.Bool("redis-enabled", false, "publish session events over Redis Streams")
	fs.String("redis-addr", "", "Redis address")
	fs.String("redis-group", "", "Redis consumer group")
	fs.String("redis-consumer", "", "Redis consumer name")
}

// ApplyFlags copies every flag the user set onto cfg.
func ApplyFlags(cfg *Config, fs *pflag.FlagSet) error {
	strs := map[string]*string{
		"addr":           &cfg.Addr,
		"api-key":        &cfg.APIKey,
		"base-url":       &cfg.BaseURL,
		"model":          &cfg.Model,
		"policy":         &cfg.PolicyPath,
		"env":            &cfg.Environment,
		"static-dir":     &cfg.StaticDir,
		"archive-db":     &cfg.ArchiveDB,
		"redis-addr":     &cfg.RedisAddr,
		"redis-group":    &cfg.RedisGroup,
		"redis-consumer": &cfg.RedisConsumer,
	}
	for name, dst := range strs {
		if !fs.Changed(name) {
			continue
		}
		v, err := fs.GetString(name)
		if err != nil {
			return errors.Wrapf(err, "flag --%s", name)
		}
		*dst = v
	}
	durs := map[string]*time.Duration{
		"silence-threshold":      &cfg.SilenceThreshold,
		"silence-check-interval": &cfg.SilenceCheckInterval,
		"upstream-timeout":       &cfg.UpstreamTimeout,
	}
	for name, dst := range durs {
		if !fs.Changed(name) {
			continue
		}
		v, err := fs.GetDuration(name)
		if err != nil {
			return errors.Wrapf(err, "flag --%s", name)
		}
		*dst = v
	}
	if fs.Changed("redis-enabled") {
		v, err := fs.GetBool("redis-enabled")
		if err != nil {
			return errors.Wrap(err, "flag --redis-enabled")
		}
		cfg.RedisEnabled = v
	}
	return nil
}

// LoadConfig parses the environment and applies flag overrides.
func LoadConfig(fs *pflag.FlagSet) (Config, error) {
	cfg, err := ParseEnv()
	if err != nil {
		return Config{}, err
	}
	if fs != nil {
		if err := ApplyFlags(&cfg, fs); err != nil {
			return Config{}, err
		}
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.SilenceThreshold < 0 {
		return errors.New("silence threshold must not be negative")
	}
	if c.SilenceCheckInterval < 0 {
		return errors.New("silence check interval must not be negative")
	}
	if c.UpstreamTimeout < 0 {
		return errors.New("upstream timeout must not be negative")
	}
	return nil
}

// ListenAddr is Addr when set, otherwise :Port.
func (c Config) ListenAddr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8787"
	}
	return ":" + port
}

func (c Config) OpenRouterSettings() openrouter.Settings {
	return openrouter.Settings{
		APIKey:  c.APIKey,
		BaseURL: c.BaseURL,
		Referer: c.Referer,
		Title:   c.Title,
		Timeout: c.UpstreamTimeout,
	}
}

func (c Config) RedisSettings() sessionevents.Settings {
	return sessionevents.Settings{
		Enabled:  c.RedisEnabled,
		Addr:     c.RedisAddr,
		Group:    c.RedisGroup,
		Consumer: c.RedisConsumer,
	}
}

func (c Config) SessionOptions() session.ManagerOptions {
	return session.ManagerOptions{SilenceThreshold: c.SilenceThreshold}
}
