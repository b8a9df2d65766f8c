package routing

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const samplePolicy = `
tiers:
  - name: fast
    use_for: [chat, plan]
    models: [openai/gpt-4o-mini, openai/gpt-4o]
  - name: deep
    use_for: [docs]
    models: [anthropic/claude-3.5-sonnet]
  - name: empty
    use_for: [green]
    models: []
`

func TestRouteModel(t *testing.T) {
	p, err := Parse([]byte(samplePolicy))
	require.NoError(t, err)
	require.Len(t, p.Tiers, 3)

	require.Equal(t, "openai/gpt-4o-mini", p.RouteModel("chat"))
	require.Equal(t, "anthropic/claude-3.5-sonnet", p.RouteModel("docs"))
	require.Equal(t, "openai/gpt-4o-mini", p.RouteModel("unknown"))
	require.Equal(t, "openai/gpt-4o-mini", p.RouteModel("green"))
}

func TestRouteModel_EmptyPolicies(t *testing.T) {
	var nilPolicy *Policy
	require.Equal(t, "", nilPolicy.RouteModel("chat"))
	require.Equal(t, "", (&Policy{}).RouteModel("chat"))
	require.Equal(t, "", (&Policy{Tiers: []Tier{{Name: "x", UseFor: []string{"chat"}}}}).RouteModel("chat"))
}

func TestParse_Errors(t *testing.T) {
	p, err := Parse(nil)
	require.NoError(t, err)
	require.Empty(t, p.Tiers)

	_, err = Parse([]byte("tiers: [oops"))
	require.ErrorContains(t, err, "parse routing policy")
}

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)
	require.Empty(t, p.Tiers)

	p, err = Load("")
	require.NoError(t, err)
	require.Empty(t, p.Tiers)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicy), 0o600))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	require.Equal(t, "anthropic/claude-3.5-sonnet", w.Policy().RouteModel("docs"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// give the watcher a moment to register the directory
	time.Sleep(50 * time.Millisecond)
	updated := "tiers:\n  - name: only\n    use_for: [docs]\n    models: [mistral/large]\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	require.Eventually(t, func() bool {
		return w.Policy().RouteModel("docs") == "mistral/large"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcher_BadReloadKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicy), 0o600))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("tiers: [oops"), 0o600))
	require.Error(t, w.Reload())
	require.Equal(t, "openai/gpt-4o-mini", w.Policy().RouteModel("chat"))
}

func TestWatcher_MissingDirectoryKeepsRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "policy.yml")
	w, err := NewWatcher(path)
	require.NoError(t, err)
	require.Empty(t, w.Policy().Tiers)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("watcher returned before cancel: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
