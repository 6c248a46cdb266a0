// Package config provides configuration for the shizue backend.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Mode values accepted by SHIZUE_MODE.
const (
	ModeLive = "LIVE"
	ModeMock = "MOCK"
)

// Config holds the process configuration.
type Config struct {
	// Server settings
	HTTPPort  int
	AccessKey string // Optional static key required on /ws and /v1/messages

	// Database
	DatabaseURL string

	// Model gateway
	Mode          string
	OpenAIBaseURL string
	GeminiBaseURL string
	LLMTimeout    time.Duration

	// Defaults for the settings store. Values saved through update_settings win.
	Provider         string
	OpenAIAPIKey     string
	GeminiAPIKey     string
	ChatModel        string
	TranslationModel string
	Language         string
	Temperature      float64

	// Stream buffering, counted in chunks
	FirstFlushChunks  int
	SteadyFlushChunks int

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64

	// Logging
	LogLevel  string
	LogFormat string
}

// DefaultDatabaseURL is a WAL-mode file database. Writers wait on a busy
// lock instead of failing.
const DefaultDatabaseURL = "file:shizue.db?mode=rwc&_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"

var defaults = map[string]interface{}{
	"HTTP_PORT":           8090,
	"ACCESS_KEY":          "",
	"DATABASE_URL":        DefaultDatabaseURL,
	"SHIZUE_MODE":         ModeLive,
	"OPENAI_BASE_URL":     "https://api.openai.com/v1",
	"GEMINI_BASE_URL":     "https://generativelanguage.googleapis.com/v1beta/openai",
	"LLM_TIMEOUT_MS":      120000,
	"LLM_PROVIDER":        "openai",
	"OPENAI_API_KEY":      "",
	"GEMINI_API_KEY":      "",
	"CHAT_MODEL":          "gpt-4o-mini",
	"TRANSLATION_MODEL":   "gpt-4o-mini",
	"LANGUAGE":            "English",
	"TEMPERATURE":         0.7,
	"FIRST_FLUSH_CHUNKS":  5,
	"STEADY_FLUSH_CHUNKS": 10,
	"WS_PING_INTERVAL_MS": 30000,
	"WS_WRITE_TIMEOUT_MS": 10000,
	"WS_READ_TIMEOUT_MS":  60000,
	"WS_MAX_MESSAGE_SIZE": 65536,
	"LOG_LEVEL":           "info",
	"LOG_FORMAT":          "text",
}

// Load reads configuration from a .env file (if present), the optional config
// file at path, and environment variables, in increasing priority.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		HTTPPort:          v.GetInt("HTTP_PORT"),
		AccessKey:         v.GetString("ACCESS_KEY"),
		DatabaseURL:       v.GetString("DATABASE_URL"),
		Mode:              strings.ToUpper(v.GetString("SHIZUE_MODE")),
		OpenAIBaseURL:     v.GetString("OPENAI_BASE_URL"),
		GeminiBaseURL:     v.GetString("GEMINI_BASE_URL"),
		LLMTimeout:        time.Duration(v.GetInt("LLM_TIMEOUT_MS")) * time.Millisecond,
		Provider:          strings.ToLower(v.GetString("LLM_PROVIDER")),
		OpenAIAPIKey:      v.GetString("OPENAI_API_KEY"),
		GeminiAPIKey:      v.GetString("GEMINI_API_KEY"),
		ChatModel:         v.GetString("CHAT_MODEL"),
		TranslationModel:  v.GetString("TRANSLATION_MODEL"),
		Language:          v.GetString("LANGUAGE"),
		Temperature:       v.GetFloat64("TEMPERATURE"),
		FirstFlushChunks:  v.GetInt("FIRST_FLUSH_CHUNKS"),
		SteadyFlushChunks: v.GetInt("STEADY_FLUSH_CHUNKS"),
		PingInterval:      time.Duration(v.GetInt("WS_PING_INTERVAL_MS")) * time.Millisecond,
		WriteTimeout:      time.Duration(v.GetInt("WS_WRITE_TIMEOUT_MS")) * time.Millisecond,
		ReadTimeout:       time.Duration(v.GetInt("WS_READ_TIMEOUT_MS")) * time.Millisecond,
		MaxMessageSize:    v.GetInt64("WS_MAX_MESSAGE_SIZE"),
		LogLevel:          v.GetString("LOG_LEVEL"),
		LogFormat:         v.GetString("LOG_FORMAT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration without consulting the
// environment. Tests start from it.
func Default() *Config {
	return &Config{
		HTTPPort:          8090,
		DatabaseURL:       ":memory:",
		Mode:              ModeLive,
		OpenAIBaseURL:     defaults["OPENAI_BASE_URL"].(string),
		GeminiBaseURL:     defaults["GEMINI_BASE_URL"].(string),
		LLMTimeout:        2 * time.Minute,
		Provider:          "openai",
		ChatModel:         "gpt-4o-mini",
		TranslationModel:  "gpt-4o-mini",
		Language:          "English",
		Temperature:       0.7,
		FirstFlushChunks:  5,
		SteadyFlushChunks: 10,
		PingInterval:      30 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
		MaxMessageSize:    65536,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT out of range: %d", c.HTTPPort)
	}
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.Mode != ModeLive && c.Mode != ModeMock {
		return fmt.Errorf("SHIZUE_MODE must be %s or %s, got %q", ModeLive, ModeMock, c.Mode)
	}
	if c.FirstFlushChunks < 1 || c.SteadyFlushChunks < 1 {
		return errors.New("flush thresholds must be at least 1 chunk")
	}
	if c.PingInterval <= 0 || c.WriteTimeout <= 0 || c.ReadTimeout <= 0 {
		return errors.New("websocket timeouts must be positive")
	}
	return nil
}
