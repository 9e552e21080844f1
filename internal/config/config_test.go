package config_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raphaelgruber/chatsync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolateEnv blanks every variable Load reads so host settings cannot leak
// into a test. Load treats an empty value as unset.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CHATSYNC_CONFIG",
		"SURREALDB_URL", "SURREALDB_NAMESPACE", "SURREALDB_DATABASE",
		"SURREALDB_USER", "SURREALDB_PASS", "SURREALDB_AUTH_LEVEL",
		"CHATSYNC_MEMORY", "CHATSYNC_ADDR",
		"CHATSYNC_TYPING_WINDOW", "CHATSYNC_POLL_INTERVAL", "CHATSYNC_SILENCE_TIMEOUT",
		"CHATSYNC_PENDING_WINDOW", "CHATSYNC_MAX_MESSAGE_LENGTH", "CHATSYNC_WELCOME_TEXT",
		"CHATSYNC_BOT_PROVIDER", "CHATSYNC_BOT_MODEL",
		"OLLAMA_HOST", "OPENAI_API_KEY", "ANTHROPIC_API_KEY", "AWS_REGION",
		"CHATSYNC_ASSIGN_URL", "CHATSYNC_ASSIGN_TIMEOUT",
		"CHATSYNC_LOG_FILE", "CHATSYNC_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	isolateEnv(t)
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:8000/rpc", cfg.SurrealDBURL)
	assert.Equal(t, 2*time.Second, cfg.TypingWindow)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, config.ProviderNone, cfg.BotProvider)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.NoError(t, cfg.Validate())
}

func TestLoadEnvOverridesFile(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "chatsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9090"
typing_window: 1500ms
poll_interval: 3s
bot_provider: anthropic
anthropic_api_key: from-file
log_level: debug
`), 0o600))

	t.Setenv("CHATSYNC_CONFIG", path)
	t.Setenv("CHATSYNC_POLL_INTERVAL", "10s")
	t.Setenv("CHATSYNC_MEMORY", "true")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 1500*time.Millisecond, cfg.TypingWindow)
	assert.Equal(t, 10*time.Second, cfg.PollInterval, "environment wins over the file")
	assert.True(t, cfg.MemoryStore)
	assert.Equal(t, config.ProviderAnthropic, cfg.BotProvider)
	assert.Equal(t, "from-file", cfg.AnthropicAPIKey)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoadRejectsBadValues(t *testing.T) {
	isolateEnv(t)
	t.Setenv("CHATSYNC_TYPING_WINDOW", "soon")
	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHATSYNC_TYPING_WINDOW")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("poll_interval: often\n"), 0o600))
	t.Setenv("CHATSYNC_TYPING_WINDOW", "")
	t.Setenv("CHATSYNC_CONFIG", path)
	_, err = config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll_interval")
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := config.Defaults()
	cfg.TypingWindow = 0
	cfg.BotProvider = config.ProviderOpenAI
	cfg.MaxMessageLength = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "typing_window must be positive")
	assert.Contains(t, err.Error(), "openai_api_key is required")
	assert.Contains(t, err.Error(), "max_message_length must be positive")

	cfg = config.Defaults()
	cfg.BotProvider = "carrier-pigeon"
	assert.ErrorContains(t, cfg.Validate(), "unsupported bot_provider")
}

func TestNewLoggerFansOut(t *testing.T) {
	var console, file bytes.Buffer
	logger := config.NewLogger(&console, &file, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("ticket opened", "ticket", "t1")

	assert.Contains(t, console.String(), "ticket opened")
	assert.NotContains(t, console.String(), "hidden")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(file.Bytes(), &entry))
	assert.Equal(t, "ticket opened", entry["msg"])
	assert.Equal(t, "t1", entry["ticket"])
	assert.Equal(t, "chatsync", entry["service"])
}

func TestConfigLoggerWritesLogFile(t *testing.T) {
	cfg := config.Defaults()
	cfg.LogFile = filepath.Join(t.TempDir(), "chatsync.log")
	cfg.LogLevel = slog.LevelDebug

	logger, closeLog := cfg.Logger()
	logger.Debug("gateway listening", "addr", ":8080")
	require.NoError(t, closeLog())

	data, err := os.ReadFile(cfg.LogFile)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "gateway listening", entry["msg"])
	assert.Equal(t, ":8080", entry["addr"])
}

func TestConfigLoggerFallsBackToStderr(t *testing.T) {
	cfg := config.Defaults()
	cfg.LogFile = filepath.Join(t.TempDir(), "missing", "dir", "chatsync.log")

	logger, closeLog := cfg.Logger()
	require.NotNil(t, logger)
	assert.NoError(t, closeLog())
	_, err := os.Stat(cfg.LogFile)
	assert.True(t, os.IsNotExist(err))
}
