package cmds

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/therapist/pkg/archive"
	"github.com/go-go-golems/therapist/pkg/session"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("PORT", "")
	cfg, err := LoadConfig(nil)
	require.NoError(t, err)
	require.Equal(t, ":8787", cfg.ListenAddr())
	require.Equal(t, "https://openrouter.ai/api/v1", cfg.BaseURL)
	require.Equal(t, "NLP Therapy AI", cfg.Title)
	require.Equal(t, 15*time.Second, cfg.SilenceThreshold)
	require.Equal(t, 60*time.Second, cfg.UpstreamTimeout)
	require.False(t, cfg.RedisEnabled)
}

func TestLoadConfig_EnvThenFlags(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("OPENROUTER_MODEL", "openai/gpt-4o-mini")
	t.Setenv("OPENROUTER_POLICY", "/etc/policy.yaml")
	t.Setenv("THERAPIST_SILENCE_THRESHOLD", "20s")
	t.Setenv("THERAPIST_REDIS_ENABLED", "true")

	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	AddServeFlags(fs)
	require.NoError(t, fs.Parse([]string{"--model", "anthropic/claude-3-haiku", "--redis-enabled=false", "--upstream-timeout", "5s"}))

	cfg, err := LoadConfig(fs)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddr())
	require.Equal(t, "anthropic/claude-3-haiku", cfg.Model)
	require.Equal(t, "/etc/policy.yaml", cfg.PolicyPath)
	require.Equal(t, 20*time.Second, cfg.SilenceThreshold)
	require.Equal(t, 5*time.Second, cfg.UpstreamTimeout)
	require.False(t, cfg.RedisEnabled)

	require.Equal(t, 20*time.Second, cfg.SessionOptions().SilenceThreshold)
	require.Equal(t, 5*time.Second, cfg.OpenRouterSettings().Timeout)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("THERAPIST_SILENCE_THRESHOLD", "soon")
	_, err := LoadConfig(nil)
	require.ErrorContains(t, err, "parse env")

	t.Setenv("THERAPIST_SILENCE_THRESHOLD", "-1s")
	_, err = LoadConfig(nil)
	require.ErrorContains(t, err, "must not be negative")
}

func TestConfig_ListenAddrPrefersAddr(t *testing.T) {
	require.Equal(t, "127.0.0.1:1234", Config{Addr: "127.0.0.1:1234", Port: "80"}.ListenAddr())
	require.Equal(t, ":8787", Config{}.ListenAddr())
}

func TestBuildServer_InMemory(t *testing.T) {
	cfg := Config{
		ArchiveDB:            filepath.Join(t.TempDir(), "archive.db"),
		SilenceThreshold:     time.Second,
		SilenceCheckInterval: time.Second,
	}
	srv, err := BuildServer(context.Background(), cfg, "test")
	require.NoError(t, err)
	require.NotNil(t, srv)
	require.Equal(t, ":8787", srv.HTTPServer().Addr)
}

func TestBuildServer_ArchiveOpenFailure(t *testing.T) {
	cfg := Config{ArchiveDB: filepath.Join(t.TempDir(), "missing", "archive.db")}
	srv, err := BuildServer(context.Background(), cfg, "test")
	require.ErrorContains(t, err, "open session archive")
	require.Nil(t, srv)
}

func TestArchiveCommand_ListAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	dsn, err := archive.DSNForFile(path)
	require.NoError(t, err)
	store, err := archive.NewSQLiteStore(dsn)
	require.NoError(t, err)

	s := session.New(session.WithID("archived-1"))
	s.Start()
	s.AddUserMessage("hello")
	s.End()
	require.NoError(t, store.Save(context.Background(), archive.RecordFromSnapshot(s.Snapshot())))
	require.NoError(t, store.Close())

	var out bytes.Buffer
	cmd := NewArchiveCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"list", "--db", path, "-o", "json"})
	require.NoError(t, cmd.Execute())
	var items []archive.Record
	require.NoError(t, json.Unmarshal(out.Bytes(), &items))
	require.Len(t, items, 1)
	require.Equal(t, "archived-1", items[0].ID)

	out.Reset()
	cmd = NewArchiveCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"show", "archived-1", "--db", path})
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "USER: hello")

	cmd = NewArchiveCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"show", "missing", "--db", path})
	require.ErrorContains(t, cmd.Execute(), "not archived")
}
