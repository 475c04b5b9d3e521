package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Environment overrides applied after the config file is decoded
const (
	EnvRedisURL = "CODESK_REDIS_URL"
	EnvLogLevel = "CODESK_LOG_LEVEL"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server   ServerConfig   `toml:"server"`   // HTTP server settings
	Logging  LoggingConfig  `toml:"logging"`  // Application logging settings
	Redis    RedisConfig    `toml:"redis"`    // Shared key-value / pub-sub store
	Storage  StorageConfig  `toml:"storage"`  // Feedback ledger persistence
	Handoff  HandoffConfig  `toml:"handoff"`  // Ticket lifecycle and confirmation gate
	Presence PresenceConfig `toml:"presence"` // Agent heartbeat settings
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port               int      `toml:"port"`                  // HTTP port for the API and websockets
	Host               string   `toml:"host"`                  // Host address to bind to
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`  // Origins allowed for websocket upgrades (["*"] for all)
	ReadTimeoutSecs    int      `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request
	WriteTimeoutSecs   int      `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = no timeout)
	IdleTimeoutSecs    int      `toml:"idle_timeout_seconds"`  // Keep-alive idle timeout
	NodeID             int64    `toml:"node_id"`               // Snowflake node ID for message IDs (0-1023)
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// RedisConfig contains connection settings for the shared store
type RedisConfig struct {
	URL       string `toml:"url"`        // redis://host:port/db
	KeyPrefix string `toml:"key_prefix"` // Prefix for every key and channel (e.g. "codesk:")
}

// StorageConfig contains feedback ledger configuration
type StorageConfig struct {
	SQLitePath string `toml:"sqlite_path"` // Path of the SQLite feedback database
}

// HandoffConfig contains ticket and confirmation settings
type HandoffConfig struct {
	SessionTTLHours         int    `toml:"session_ttl_hours"`          // Lifetime of an unclosed ticket (default 3)
	ConfirmationTTLMinutes  int    `toml:"confirmation_ttl_minutes"`   // Lifetime of a pending handoff offer (default 10)
	PendingActionTTLSeconds int    `toml:"pending_action_ttl_seconds"` // Lifetime of a generic pending action (default 300)
	SummaryLastN            int    `toml:"summary_last_n"`             // Chat-history lines captured into a new ticket (default 15)
	HistoryTTLHours         int    `toml:"history_ttl_hours"`          // Lifetime of a user's bot transcript (default 24)
	ChatURL                 string `toml:"chat_url"`                   // Public user chat page, session ID is appended as ?session=
	DefaultLanguage         string `toml:"default_language"`           // Reply language when detection fails (default "az")
}

// PresenceConfig contains agent heartbeat settings
type PresenceConfig struct {
	HeartbeatTTLSeconds      int `toml:"heartbeat_ttl_seconds"`      // Presence entry lifetime without a heartbeat (default 300)
	HeartbeatIntervalSeconds int `toml:"heartbeat_interval_seconds"` // How often a connected agent refreshes presence (default 60)
}

// Load loads the configuration from the specified file path
func Load(path string) (*Config, error) {
	var config Config

	// Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Read the config file
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadWithFallback loads the configuration by checking multiple locations in order of preference
func LoadWithFallback(preferredPath string) (*Config, error) {
	// List of paths to check in order of preference
	searchPaths := []string{
		preferredPath,         // User-specified path (if provided)
		"configs/config.toml", // configs/ folder
		"config.toml",         // Root directory
	}

	// Remove duplicates while preserving order
	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// applyEnv loads a .env file when present and applies environment overrides.
// Secrets such as the Redis password usually live in REDIS_URL rather than the checked-in TOML.
func (c *Config) applyEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	if v := os.Getenv(EnvRedisURL); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// Validate validates the configuration and fills in defaults
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.NodeID < 0 || c.Server.NodeID > 1023 {
		return fmt.Errorf("invalid node_id: %d (must be 0-1023)", c.Server.NodeID)
	}
	if len(c.Server.CORSAllowedOrigins) == 0 {
		c.Server.CORSAllowedOrigins = []string{"*"}
	}

	// Validate logging config
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid log level
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	switch c.Logging.Format {
	case "json", "console":
		// Valid log format
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	// Validate redis config
	if c.Redis.URL == "" {
		return fmt.Errorf("redis url is required (set [redis].url or %s)", EnvRedisURL)
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "codesk:"
	}

	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "data/feedback.db"
	}

	if err := c.ValidateHandoff(); err != nil {
		return err
	}

	return c.ValidatePresence()
}

// ValidateHandoff validates the handoff section
func (c *Config) ValidateHandoff() error {
	h := &c.Handoff
	if h.SessionTTLHours < 0 || h.ConfirmationTTLMinutes < 0 || h.PendingActionTTLSeconds < 0 ||
		h.SummaryLastN < 0 || h.HistoryTTLHours < 0 {
		return fmt.Errorf("handoff durations and counts must not be negative")
	}
	if h.SessionTTLHours == 0 {
		h.SessionTTLHours = 3
	}
	if h.ConfirmationTTLMinutes == 0 {
		h.ConfirmationTTLMinutes = 10
	}
	if h.PendingActionTTLSeconds == 0 {
		h.PendingActionTTLSeconds = 300
	}
	if h.SummaryLastN == 0 {
		h.SummaryLastN = 15
	}
	if h.HistoryTTLHours == 0 {
		h.HistoryTTLHours = 24
	}
	if h.ChatURL == "" {
		h.ChatURL = "http://localhost:8001/chat"
	}
	if h.DefaultLanguage == "" {
		h.DefaultLanguage = "az"
	}
	return nil
}

// ValidatePresence validates the presence section
func (c *Config) ValidatePresence() error {
	p := &c.Presence
	if p.HeartbeatTTLSeconds < 0 || p.HeartbeatIntervalSeconds < 0 {
		return fmt.Errorf("presence durations must not be negative")
	}
	if p.HeartbeatTTLSeconds == 0 {
		p.HeartbeatTTLSeconds = 300
	}
	if p.HeartbeatIntervalSeconds == 0 {
		p.HeartbeatIntervalSeconds = 60
	}
	if p.HeartbeatIntervalSeconds >= p.HeartbeatTTLSeconds {
		return fmt.Errorf("heartbeat_interval_seconds (%d) must be shorter than heartbeat_ttl_seconds (%d)",
			p.HeartbeatIntervalSeconds, p.HeartbeatTTLSeconds)
	}
	return nil
}

// SessionTTL returns the ticket lifetime
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Handoff.SessionTTLHours) * time.Hour
}

// HistoryTTL returns the chat-history lifetime
func (c *Config) HistoryTTL() time.Duration {
	return time.Duration(c.Handoff.HistoryTTLHours) * time.Hour
}

// HeartbeatTTL returns the presence entry lifetime
func (c *Config) HeartbeatTTL() time.Duration {
	return time.Duration(c.Presence.HeartbeatTTLSeconds) * time.Second
}

// HeartbeatInterval returns how often connected agents refresh presence
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Presence.HeartbeatIntervalSeconds) * time.Second
}
