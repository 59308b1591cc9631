package config

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir and returns the allowed config dir.
func setupTestHome(t *testing.T) string {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".config", "healingd")
	require.NoError(t, os.MkdirAll(dir, 0700))
	return dir
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	dir := setupTestHome(t)
	path := filepath.Join(dir, "config.yaml")

	yamlContent := `server:
  port: 8088
healing:
  max_attempts: 5
  cooldown: 2m
  blocked_patterns:
    - disk_full
sandbox:
  max_concurrent: 2
  job_timeout: 90s
verify:
  window: 15m
  threshold: 0.5
monitor:
  prometheus_url: http://prometheus:9090
store:
  in_memory: true
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0600))

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Healing.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Healing.Cooldown)
	assert.Equal(t, []string{"disk_full"}, cfg.Healing.BlockedPatterns)
	assert.Equal(t, 2, cfg.Sandbox.MaxConcurrent)
	assert.Equal(t, 90*time.Second, cfg.Sandbox.JobTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Verify.Window)
	assert.Equal(t, 0.5, cfg.Verify.Threshold)
	assert.True(t, cfg.Monitor.Enabled())

	// Untouched sections keep their defaults.
	assert.Equal(t, time.Hour, cfg.Healing.SessionBudget)
	assert.Equal(t, "squash", cfg.Deploy.MergeMethod)
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	dir := setupTestHome(t)

	cfg, err := LoadWithFile(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Healing.MaxAttempts)
	assert.Equal(t, filepath.Join(dir, "data"), cfg.Store.Path)
}

func TestLoadWithFile_EnvOverrides(t *testing.T) {
	dir := setupTestHome(t)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sandbox:\n  max_concurrent: 2\n"), 0600))

	t.Setenv("HEALINGD_SANDBOX_MAX_CONCURRENT", "7")
	t.Setenv("HEALINGD_GITHUB_TOKEN", "ghp_test")
	t.Setenv("HEALINGD_HEALING_MAX_ATTEMPTS", "4")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Sandbox.MaxConcurrent)
	assert.Equal(t, 4, cfg.Healing.MaxAttempts)
	assert.Equal(t, "ghp_test", cfg.GitHub.Token.Value())
}

func TestLoadWithFile_RejectsPathOutsideAllowedDirs(t *testing.T) {
	setupTestHome(t)

	other := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(other, []byte("server:\n  port: 1\n"), 0600))

	_, err := LoadWithFile(other)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config path validation failed")
}

func TestLoadWithFile_RejectsInsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	dir := setupTestHome(t)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0644))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadWithFile_InvalidValues(t *testing.T) {
	dir := setupTestHome(t)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("deploy:\n  merge_method: yolo\n"), 0600))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deploy.merge_method")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "sandbox.max_concurrent", envKey("HEALINGD_SANDBOX_MAX_CONCURRENT"))
	assert.Equal(t, "github.webhook_secret", envKey("HEALINGD_GITHUB_WEBHOOK_SECRET"))
	assert.Equal(t, "debug", envKey("HEALINGD_DEBUG"))
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := setupTestHome(t)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("healing:\n  max_attempts: 3\n"), 0600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Watch(ctx, path, func(c *Config) {
			select {
			case reloaded <- c:
			default:
			}
		}, nil)
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("healing:\n  max_attempts: 6\n"), 0600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 6, cfg.Healing.MaxAttempts)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}

	cancel()
	<-done
}
