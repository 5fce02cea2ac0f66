package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcin-skalski/pr-reactions/internal/config"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "pr-reactions", cmd.Use)
	assert.Contains(t, cmd.Long, "SLACK_API_TOKEN")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{{"once"}, {"cache"}, {"cache", "purge"}} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "config.yaml", configFlag.DefValue)

	for _, name := range []string{"dry-run", "debug"} {
		f := cmd.PersistentFlags().Lookup(name)
		require.NotNil(t, f, name)
		assert.Equal(t, "false", f.DefValue)
	}

	require.NotNil(t, cmd.Flags().Lookup("no-tui"))
}

func TestApplyFlags(t *testing.T) {
	cmd := NewRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--dry-run", "--debug"}))
	opts := &RootOptions{DryRun: true, Debug: true}
	cfg := &config.Config{}
	cfg.Log.Level = "info"

	applyFlags(cmd, opts, cfg)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestApplyFlagsKeepsConfigWhenUnset(t *testing.T) {
	cmd := NewRootCommand()
	cfg := &config.Config{DryRun: true}
	applyFlags(cmd, &RootOptions{}, cfg)
	assert.True(t, cfg.DryRun)
}

func TestCachePurge(t *testing.T) {
	dir := t.TempDir()
	cacheDir := filepath.Join(dir, "cache")
	entry := filepath.Join(cacheDir, "octo", "widgets", "pulls", "7", "details")
	require.NoError(t, os.MkdirAll(entry, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(entry, "data.json"), []byte(`{}`), 0o644))

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("cache:\n  dir: "+cacheDir+"\n"), 0o644))

	var out, errOut bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"cache", "purge", "--config", cfgPath})

	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "cache purged")

	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOnceRequiresTokens(t *testing.T) {
	t.Setenv("SLACK_API_TOKEN", "")
	t.Setenv("GITHUB_API_TOKEN", "")

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("slack:\n  channel: C1\n"), 0o644))

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"once", "--config", cfgPath})

	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SLACK_API_TOKEN required")
}
