package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Archive.BatchSize)
	assert.Equal(t, 5, cfg.Archive.MaxConcurrency)
	assert.Equal(t, 25, cfg.Archive.MaxWaitBudgetSeconds)
	assert.Equal(t, 3, cfg.Archive.MaxAttempts)
	assert.Equal(t, 8, cfg.Archive.BackoffCapSeconds)
	assert.Equal(t, 5, cfg.Remote.PollIntervalSeconds)
	assert.Equal(t, 45, cfg.Remote.LogGraceSeconds)
	assert.Equal(t, 180, cfg.Remote.TimeoutMinutes)
	assert.Equal(t, "2023-05-01", cfg.Container.APIVersion)
	assert.Equal(t, "inline", cfg.Dispatch.Mode)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ARCHIVE_BATCH_SIZE", "25")
	t.Setenv("REMOTE_TIMEOUT_MINUTES", "30")
	t.Setenv("DISPATCH_MODE", "asynq")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Archive.BatchSize)
	assert.Equal(t, 30, cfg.Remote.TimeoutMinutes)
	assert.Equal(t, "asynq", cfg.Dispatch.Mode)
}

func TestLoad_SecretFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("sheet-token\n"), 0o600))
	t.Setenv("SHEETS_ACCESS_TOKEN", "")
	t.Setenv("SHEETS_ACCESS_TOKEN_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sheet-token", cfg.Sheets.AccessToken)
}
