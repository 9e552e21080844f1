// Package config loads chatsync settings from environment variables with an
// optional YAML file overlay.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Bot inference providers.
const (
	ProviderNone      = "none"
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
)

// Config holds all configuration values.
type Config struct {
	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// MemoryStore replaces SurrealDB with the in-process store.
	MemoryStore bool

	// Gateway
	ListenAddr string

	// Sync engine
	TypingWindow     time.Duration
	PollInterval     time.Duration
	SilenceTimeout   time.Duration
	PendingWindow    time.Duration
	MaxMessageLength int
	WelcomeText      string

	// Bot inference
	BotProvider     string
	BotModel        string
	OllamaHost      string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	AWSRegion       string

	// Agent assignment
	AssignURL     string
	AssignTimeout time.Duration

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		SurrealDBURL:       "ws://localhost:8000/rpc",
		SurrealDBNamespace: "support",
		SurrealDBDatabase:  "chat",
		SurrealDBUser:      "root",
		SurrealDBPass:      "root",
		SurrealDBAuthLevel: "root",

		ListenAddr: ":8080",

		TypingWindow:     2 * time.Second,
		PollInterval:     5 * time.Second,
		SilenceTimeout:   60 * time.Second,
		PendingWindow:    30 * time.Second,
		MaxMessageLength: 4000,

		BotProvider: ProviderNone,
		BotModel:    "llama3.2",
		OllamaHost:  "http://localhost:11434",
		AWSRegion:   "us-east-1",

		AssignTimeout: 10 * time.Second,

		LogFile:  "/tmp/chatsync.log",
		LogLevel: slog.LevelInfo,
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// CHATSYNC_CONFIG (if set), then environment variables.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CHATSYNC_CONFIG"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}

	var errs []string
	cfg.SurrealDBURL = getEnv("SURREALDB_URL", cfg.SurrealDBURL)
	cfg.SurrealDBNamespace = getEnv("SURREALDB_NAMESPACE", cfg.SurrealDBNamespace)
	cfg.SurrealDBDatabase = getEnv("SURREALDB_DATABASE", cfg.SurrealDBDatabase)
	cfg.SurrealDBUser = getEnv("SURREALDB_USER", cfg.SurrealDBUser)
	cfg.SurrealDBPass = getEnv("SURREALDB_PASS", cfg.SurrealDBPass)
	cfg.SurrealDBAuthLevel = getEnv("SURREALDB_AUTH_LEVEL", cfg.SurrealDBAuthLevel)
	cfg.MemoryStore = getEnv("CHATSYNC_MEMORY", strconv.FormatBool(cfg.MemoryStore)) == "true"

	cfg.ListenAddr = getEnv("CHATSYNC_ADDR", cfg.ListenAddr)

	cfg.TypingWindow = getEnvDuration("CHATSYNC_TYPING_WINDOW", cfg.TypingWindow, &errs)
	cfg.PollInterval = getEnvDuration("CHATSYNC_POLL_INTERVAL", cfg.PollInterval, &errs)
	cfg.SilenceTimeout = getEnvDuration("CHATSYNC_SILENCE_TIMEOUT", cfg.SilenceTimeout, &errs)
	cfg.PendingWindow = getEnvDuration("CHATSYNC_PENDING_WINDOW", cfg.PendingWindow, &errs)
	cfg.MaxMessageLength = getEnvInt("CHATSYNC_MAX_MESSAGE_LENGTH", cfg.MaxMessageLength, &errs)
	cfg.WelcomeText = getEnv("CHATSYNC_WELCOME_TEXT", cfg.WelcomeText)

	cfg.BotProvider = strings.ToLower(getEnv("CHATSYNC_BOT_PROVIDER", cfg.BotProvider))
	cfg.BotModel = getEnv("CHATSYNC_BOT_MODEL", cfg.BotModel)
	cfg.OllamaHost = getEnv("OLLAMA_HOST", cfg.OllamaHost)
	cfg.OpenAIAPIKey = getEnv("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.AnthropicAPIKey = getEnv("ANTHROPIC_API_KEY", cfg.AnthropicAPIKey)
	cfg.AWSRegion = getEnv("AWS_REGION", cfg.AWSRegion)

	cfg.AssignURL = getEnv("CHATSYNC_ASSIGN_URL", cfg.AssignURL)
	cfg.AssignTimeout = getEnvDuration("CHATSYNC_ASSIGN_TIMEOUT", cfg.AssignTimeout, &errs)

	cfg.LogFile = getEnv("CHATSYNC_LOG_FILE", cfg.LogFile)
	if v := os.Getenv("CHATSYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: invalid environment:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return cfg, nil
}

// fileConfig mirrors Config for the YAML overlay. Durations are strings
// such as "2s" and unset fields keep their current value.
type fileConfig struct {
	SurrealDBURL       *string `yaml:"surrealdb_url"`
	SurrealDBNamespace *string `yaml:"surrealdb_namespace"`
	SurrealDBDatabase  *string `yaml:"surrealdb_database"`
	SurrealDBUser      *string `yaml:"surrealdb_user"`
	SurrealDBPass      *string `yaml:"surrealdb_pass"`
	SurrealDBAuthLevel *string `yaml:"surrealdb_auth_level"`
	MemoryStore        *bool   `yaml:"memory_store"`

	ListenAddr *string `yaml:"listen_addr"`

	TypingWindow     *string `yaml:"typing_window"`
	PollInterval     *string `yaml:"poll_interval"`
	SilenceTimeout   *string `yaml:"silence_timeout"`
	PendingWindow    *string `yaml:"pending_window"`
	MaxMessageLength *int    `yaml:"max_message_length"`
	WelcomeText      *string `yaml:"welcome_text"`

	BotProvider     *string `yaml:"bot_provider"`
	BotModel        *string `yaml:"bot_model"`
	OllamaHost      *string `yaml:"ollama_host"`
	OpenAIAPIKey    *string `yaml:"openai_api_key"`
	AnthropicAPIKey *string `yaml:"anthropic_api_key"`
	AWSRegion       *string `yaml:"aws_region"`

	AssignURL     *string `yaml:"assign_url"`
	AssignTimeout *string `yaml:"assign_timeout"`

	LogFile  *string `yaml:"log_file"`
	LogLevel *string `yaml:"log_level"`
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	var errs []string
	setString(&c.SurrealDBURL, fc.SurrealDBURL)
	setString(&c.SurrealDBNamespace, fc.SurrealDBNamespace)
	setString(&c.SurrealDBDatabase, fc.SurrealDBDatabase)
	setString(&c.SurrealDBUser, fc.SurrealDBUser)
	setString(&c.SurrealDBPass, fc.SurrealDBPass)
	setString(&c.SurrealDBAuthLevel, fc.SurrealDBAuthLevel)
	if fc.MemoryStore != nil {
		c.MemoryStore = *fc.MemoryStore
	}
	setString(&c.ListenAddr, fc.ListenAddr)
	setDuration(&c.TypingWindow, fc.TypingWindow, "typing_window", &errs)
	setDuration(&c.PollInterval, fc.PollInterval, "poll_interval", &errs)
	setDuration(&c.SilenceTimeout, fc.SilenceTimeout, "silence_timeout", &errs)
	setDuration(&c.PendingWindow, fc.PendingWindow, "pending_window", &errs)
	if fc.MaxMessageLength != nil {
		c.MaxMessageLength = *fc.MaxMessageLength
	}
	setString(&c.WelcomeText, fc.WelcomeText)
	setString(&c.BotProvider, fc.BotProvider)
	setString(&c.BotModel, fc.BotModel)
	setString(&c.OllamaHost, fc.OllamaHost)
	setString(&c.OpenAIAPIKey, fc.OpenAIAPIKey)
	setString(&c.AnthropicAPIKey, fc.AnthropicAPIKey)
	setString(&c.AWSRegion, fc.AWSRegion)
	setString(&c.AssignURL, fc.AssignURL)
	setDuration(&c.AssignTimeout, fc.AssignTimeout, "assign_timeout", &errs)
	setString(&c.LogFile, fc.LogFile)
	if fc.LogLevel != nil {
		c.LogLevel = parseLogLevel(*fc.LogLevel)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s:\n  - %s", path, strings.Join(errs, "\n  - "))
	}
	return nil
}

// Validate checks that the loaded values are usable.
func (c *Config) Validate() error {
	var errs []string

	if !c.MemoryStore {
		if c.SurrealDBURL == "" {
			errs = append(errs, "surrealdb_url is required")
		}
		if c.SurrealDBNamespace == "" || c.SurrealDBDatabase == "" {
			errs = append(errs, "surrealdb_namespace and surrealdb_database are required")
		}
	}
	if c.ListenAddr == "" {
		errs = append(errs, "listen_addr is required")
	}
	if c.TypingWindow <= 0 {
		errs = append(errs, "typing_window must be positive")
	}
	if c.PollInterval <= 0 {
		errs = append(errs, "poll_interval must be positive")
	}
	if c.SilenceTimeout < 0 {
		errs = append(errs, "silence_timeout must not be negative")
	}
	if c.PendingWindow <= 0 {
		errs = append(errs, "pending_window must be positive")
	}
	if c.MaxMessageLength <= 0 {
		errs = append(errs, "max_message_length must be positive")
	}

	switch c.BotProvider {
	case ProviderNone, "":
	case ProviderOllama:
		if c.OllamaHost == "" {
			errs = append(errs, "ollama_host is required for the ollama provider")
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, "openai_api_key is required for the openai provider")
		}
	case ProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			errs = append(errs, "anthropic_api_key is required for the anthropic provider")
		}
	case ProviderBedrock:
		if c.AWSRegion == "" {
			errs = append(errs, "aws_region is required for the bedrock provider")
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported bot_provider %q", c.BotProvider))
	}
	if c.BotProvider != ProviderNone && c.BotProvider != "" && c.BotModel == "" {
		errs = append(errs, "bot_model is required when a bot provider is set")
	}

	if c.AssignURL != "" && c.AssignTimeout <= 0 {
		errs = append(errs, "assign_timeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string, key string, errs *[]string) {
	if v == nil {
		return
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %v", key, err))
		return
	}
	*dst = d
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %v", key, err))
		return defaultVal
	}
	return d
}

func getEnvInt(key string, defaultVal int, errs *[]string) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %v", key, err))
		return defaultVal
	}
	return n
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
