package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/telesync/internal/config"
	"codeberg.org/mutker/telesync/internal/errors"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	configPath := filepath.Join(t.TempDir(), "telesync.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))

	return configPath
}

func TestLoad(t *testing.T) {
	configPath := writeConfig(t, `
server = "https://dash.example.com/"
api_key = "secret"
log_level = "debug"
push_enabled = false
poll_interval = "2s"
max_retries = 7
history_min_staleness = "1m"

[journal]
enabled = true
path = "/tmp/telesync-test/journal.db"
batch_size = 5
`)

	// Set environment variable to point to the test config file
	t.Setenv("TELESYNC_CONFIG", configPath)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "https://dash.example.com", cfg.Server, "Expected trailing slash trimmed")
	assert.Equal(t, "secret", cfg.APIKey)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.PushEnabled)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, time.Minute, cfg.HistoryMinStaleness)
	assert.True(t, cfg.Journal.Enabled)
	assert.Equal(t, "/tmp/telesync-test/journal.db", cfg.Journal.Path)
	assert.Equal(t, 5, cfg.Journal.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.Journal.BatchTimeout, "Expected default batch timeout")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(config.WithConfigFile(writeConfig(t, "")))
	require.NoError(t, err, "Failed to load config")

	assert.Equal(t, config.DefaultServer, cfg.Server)
	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel)
	assert.True(t, cfg.PushEnabled)
	assert.Equal(t, 5*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, time.Second, cfg.BackoffInitial)
	assert.Equal(t, 30*time.Second, cfg.BackoffMax)
	assert.Equal(t, 0, cfg.MaxRetries, "Expected unlimited retries by default")
	assert.Equal(t, 30*time.Second, cfg.HistoryMinStaleness)
	assert.False(t, cfg.Journal.Enabled)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	configPath := writeConfig(t, `
server = "http://file.example.com"
`)
	t.Setenv("TELESYNC_SERVER", "http://env.example.com:9000")
	t.Setenv("TELESYNC_JOURNAL_BATCH_SIZE", "50")

	cfg, err := config.Load(config.WithConfigFile(configPath))
	require.NoError(t, err)

	assert.Equal(t, "http://env.example.com:9000", cfg.Server)
	assert.Equal(t, 50, cfg.Journal.BatchSize)
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	t.Setenv("TELESYNC_API_KEY", "from-env")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("api-key", "", "")
	fs.String("log-level", config.DefaultLogLevel, "")
	fs.Bool("no-push", false, "")
	require.NoError(t, fs.Parse([]string{"--api-key", "from-flag", "--no-push"}))

	cfg, err := config.Load(config.WithConfigFile(writeConfig(t, "")), config.WithFlags(fs))
	require.NoError(t, err)

	assert.Equal(t, "from-flag", cfg.APIKey)
	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel, "Expected unset flag not to shadow default")
	assert.False(t, cfg.PushEnabled)
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	configPath := writeConfig(t, `
This is not a valid TOML file
`)

	_, err := config.Load(config.WithConfigFile(configPath))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
	assert.Contains(t, err.Error(), "Failed to read config file")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := config.Load(config.WithConfigFile(filepath.Join(t.TempDir(), "missing.toml")))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		code    errors.ErrorCode
	}{
		{"invalid log level", `log_level = "invalid"`, errors.ErrInvalidLogLevel},
		{"non-http server", `server = "ftp://example.com"`, errors.ErrInvalidConfig},
		{"zero poll interval", `poll_interval = "0s"`, errors.ErrInvalidInterval},
		{"backoff max below initial", "backoff_initial = \"10s\"\nbackoff_max = \"5s\"", errors.ErrInvalidConfig},
		{"negative retries", `max_retries = -1`, errors.ErrInvalidConfig},
		{"poll threshold", `poll_failure_threshold = 0`, errors.ErrInvalidConfig},
		{"journal without path", "[journal]\nenabled = true\npath = \"\"", errors.ErrMissingConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(config.WithConfigFile(writeConfig(t, tt.content)))
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
		})
	}
}
