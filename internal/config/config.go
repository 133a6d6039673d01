// Package config loads hub configuration from the environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds the runtime configuration for the hub process.
type Config struct {
	Host string
	Port int

	// Token is the shared bearer token for HTTP and WebSocket clients.
	// TokenGenerated reports whether it was minted at startup rather than
	// supplied via CODEX_HUB_TOKEN.
	Token          string
	TokenGenerated bool

	DataDir     string
	ProfilesDir string

	DefaultCodexHome string
	DefaultCwd       string

	CodexBin       string
	CodexFlags     []string
	AppServerFlags []string

	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment, applying defaults.
// A .env file next to the working directory is honored when present.
func Load() (*Config, error) {
	// Best effort; absence of .env is the common case.
	_ = godotenv.Load()

	cfg := &Config{
		Host:      envOr("CODEX_HUB_HOST", "127.0.0.1"),
		CodexBin:  envOr("CODEX_BIN", "codex"),
		LogLevel:  envOr("CODEX_HUB_LOG_LEVEL", "info"),
		LogFormat: envOr("CODEX_HUB_LOG_FORMAT", "auto"),
	}

	port, err := parsePort(envOr("CODEX_HUB_PORT", "8390"))
	if err != nil {
		return nil, err
	}
	cfg.Port = port

	dataDir := strings.TrimSpace(os.Getenv("CODEX_HUB_DATA_DIR"))
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".codex-hub")
	}
	cfg.DataDir = dataDir

	cfg.ProfilesDir = envOr("CODEX_HUB_PROFILES_DIR", dataDir)
	cfg.DefaultCodexHome = strings.TrimSpace(os.Getenv("CODEX_HUB_DEFAULT_CODEX_HOME"))
	cfg.DefaultCwd = strings.TrimSpace(os.Getenv("CODEX_HUB_DEFAULT_CWD"))

	cfg.Token = strings.TrimSpace(os.Getenv("CODEX_HUB_TOKEN"))
	if cfg.Token == "" {
		cfg.Token = uuid.NewString()
		cfg.TokenGenerated = true
		log.Info().Str("token", cfg.Token).Msg("CODEX_HUB_TOKEN not set, generated session token")
	}

	cfg.CodexFlags, err = parseFlagList("CODEX_FLAGS", "CODEX_FLAGS_JSON")
	if err != nil {
		return nil, err
	}
	cfg.AppServerFlags, err = parseFlagList("CODEX_APP_SERVER_FLAGS", "CODEX_APP_SERVER_FLAGS_JSON")
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// EnsureDirs creates the data and profiles directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.ProfilesDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AnalyticsDBPath returns the path of the analytics database.
func (c *Config) AnalyticsDBPath() string { return filepath.Join(c.DataDir, "analytics.sqlite") }

// ThreadsDBPath returns the path of the thread index database.
func (c *Config) ThreadsDBPath() string { return filepath.Join(c.DataDir, "threads.sqlite") }

// ReviewsDBPath returns the path of the review sessions database.
func (c *Config) ReviewsDBPath() string { return filepath.Join(c.DataDir, "reviews.sqlite") }

// ProfilesPath returns the path of the profile registry file.
func (c *Config) ProfilesPath() string { return filepath.Join(c.ProfilesDir, "profiles.json") }

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func parsePort(raw string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid CODEX_HUB_PORT %q", raw)
	}
	return port, nil
}

// parseFlagList reads extra child arguments from either a JSON array env
// var (exact arguments, takes precedence) or a space-separated one.
func parseFlagList(plainKey, jsonKey string) ([]string, error) {
	if raw := strings.TrimSpace(os.Getenv(jsonKey)); raw != "" {
		var flags []string
		if err := json.Unmarshal([]byte(raw), &flags); err != nil {
			return nil, fmt.Errorf("parse %s: %w", jsonKey, err)
		}
		return flags, nil
	}
	raw := strings.TrimSpace(os.Getenv(plainKey))
	if raw == "" {
		return nil, nil
	}
	return strings.Fields(raw), nil
}
