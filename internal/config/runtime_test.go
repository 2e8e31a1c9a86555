package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectDir(t *testing.T) {
	workspace := t.TempDir()
	rc := &RuntimeConfig{Mode: NativeMode, WorkspaceDir: workspace}

	t.Run("creates directory for logical name", func(t *testing.T) {
		dir, err := rc.ProjectDir("webapp", "")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(workspace, "webapp"), dir)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("strips traversal from logical name", func(t *testing.T) {
		dir, err := rc.ProjectDir("../../etc", "")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(workspace, "etc"), dir)
	})

	t.Run("explicit relative path resolves under workspace", func(t *testing.T) {
		require.NoError(t, os.MkdirAll(filepath.Join(workspace, "repo", "main"), 0755))
		dir, err := rc.ProjectDir("ignored", "repo/main")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(workspace, "repo", "main"), dir)
	})

	t.Run("explicit missing path fails", func(t *testing.T) {
		_, err := rc.ProjectDir("x", filepath.Join(workspace, "nope"))
		assert.Error(t, err)
	})

	t.Run("explicit file path fails", func(t *testing.T) {
		file := filepath.Join(workspace, "file.txt")
		require.NoError(t, os.WriteFile(file, []byte("hi"), 0644))
		_, err := rc.ProjectDir("x", file)
		assert.Error(t, err)
	})
}

func TestLoad(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, Default().MaxSessions, cfg.MaxSessions)
		assert.Equal(t, 10000, cfg.BufferCap)
		assert.Equal(t, 30*time.Minute, cfg.IdleThreshold)
	})

	t.Run("yaml values and env overrides", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "catterm.yaml")
		content := "max_sessions: 3\nidle_threshold: 45m\nsession_prefix: proj\nenv:\n  FOO: bar\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		t.Setenv("CATTERM_BUFFER_CAP", "500")
		t.Setenv("CATTERM_SETTLE_DELAY", "1s")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.MaxSessions)
		assert.Equal(t, 45*time.Minute, cfg.IdleThreshold)
		assert.Equal(t, "proj", cfg.SessionPrefix)
		assert.Equal(t, 500, cfg.BufferCap)
		assert.Equal(t, time.Second, cfg.SettleDelay)
		assert.Contains(t, cfg.Environ(), "FOO=bar")
	})

	t.Run("bad env value", func(t *testing.T) {
		t.Setenv("CATTERM_MAX_SESSIONS", "lots")
		_, err := Load("")
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.SessionPrefix = "has-dash"
	cfg.MaxSessions = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session_prefix")
	assert.Contains(t, err.Error(), "max_sessions")
}

func TestDetectRuntimeWorkspaceOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CATTERM_WORKSPACE_DIR", dir)
	assert.Equal(t, dir, DetectRuntime().WorkspaceDir)

	t.Setenv("CATTERM_WORKSPACE_DIR", "")
	assert.NotEmpty(t, DetectRuntime().WorkspaceDir)
}
