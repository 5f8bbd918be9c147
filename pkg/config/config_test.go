package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbrook-labs/go-flowline/pkg/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
runner:
  max_concurrent_messages: 20
  max_concurrent_outputs: 8
retry:
  max_retries: 5
  backoff_schedule: ["100ms", "200ms", "400ms"]
batch:
  max_batch_size: 50
  batch_timeout: "2s"
logging:
  level: debug
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Runner.MaxConcurrentMessages)
	assert.Equal(t, 8, cfg.Runner.MaxConcurrentOutputs)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, cfg.Retry.Backoff())
	assert.Equal(t, 50, cfg.Batch.MaxBatchSize)
	assert.Equal(t, 2*time.Second, cfg.Batch.BatchTimeout.Std())
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `{}`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Runner.MaxConcurrentMessages)
	assert.Equal(t, 5, cfg.Runner.MaxConcurrentOutputs)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Nil(t, cfg.Retry.Backoff())
	assert.Equal(t, 100, cfg.Batch.MaxBatchSize)
	assert.Equal(t, 30*time.Second, cfg.Batch.FlushTimeout.Std())
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("FLOWLINE_TEST_WORKERS", "7")
	path := writeConfig(t, `
runner:
  max_concurrent_messages: ${FLOWLINE_TEST_WORKERS}
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Runner.MaxConcurrentMessages)
}

func TestLoad_Invalid(t *testing.T) {
	testCases := []struct {
		name    string
		content string
	}{
		{"bad yaml", `runner: [`},
		{"bad duration", "batch:\n  batch_timeout: \"soon\""},
		{"batch size too small", "batch:\n  max_batch_size: 1"},
		{"unknown log level", "logging:\n  level: loud"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tc.content))
			require.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
