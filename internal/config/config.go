// Package config provides configuration loading for the remote session server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/workspace/remote-server/internal/connection"
	"github.com/workspace/remote-server/internal/pty"
)

// Config holds all configuration values for the server.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Session settings
	ReconnectionGraceTime time.Duration
	HandshakeTimeout      time.Duration

	// Extension host settings
	ExtHostCommand     string
	ExtHostArgs        []string
	ExtHostKillTimeout time.Duration

	// JWT settings. Handshake auth is open when JWKSEndpoint is empty.
	JWKSEndpoint string
	JWTAudience  string
	JWTIssuer    string

	// HTTP server timeouts
	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int

	// Upgrade rate limiting
	UpgradeRateLimit float64
	UpgradeRateBurst int

	// Tunnel settings
	TunnelDialTimeout  time.Duration
	TunnelAllowedHosts []string

	// Persistence. Empty disables the connection ledger.
	PersistenceDBPath string

	// Idle settings. Zero IdleTimeout disables idle shutdown.
	IdleTimeout       time.Duration
	IdleCheckInterval time.Duration

	// PTY settings
	DefaultShell        string
	DefaultRows         int
	DefaultCols         int
	PTYOutputBufferSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("REMOTE_SERVER_PORT", 8000),
		Host:           getEnv("REMOTE_SERVER_HOST", "127.0.0.1"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),

		ReconnectionGraceTime: getEnvDuration("RECONNECTION_GRACE_TIME", connection.DefaultReconnectionGraceTime),
		HandshakeTimeout:      getEnvDuration("HANDSHAKE_TIMEOUT", 10*time.Second),

		ExtHostCommand:     getEnv("EXTHOST_COMMAND", "node"),
		ExtHostArgs:        getEnvFields("EXTHOST_ARGS", []string{"out/bootstrap-fork.js", "--type=extensionHost"}),
		ExtHostKillTimeout: getEnvDuration("EXTHOST_KILL_TIMEOUT", 5*time.Second),

		JWKSEndpoint: getEnv("JWKS_ENDPOINT", ""),
		JWTAudience:  getEnv("JWT_AUDIENCE", ""),
		JWTIssuer:    getEnv("JWT_ISSUER", ""),

		HTTPReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout: getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 4096),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 4096),

		UpgradeRateLimit: getEnvFloat("UPGRADE_RATE_LIMIT", 20),
		UpgradeRateBurst: getEnvInt("UPGRADE_RATE_BURST", 40),

		TunnelDialTimeout:  getEnvDuration("TUNNEL_DIAL_TIMEOUT", 5*time.Second),
		TunnelAllowedHosts: getEnvStringSlice("TUNNEL_ALLOWED_HOSTS", []string{"127.0.0.1", "localhost", "::1"}),

		PersistenceDBPath: getEnv("PERSISTENCE_DB_PATH", ""),

		IdleTimeout:       getEnvDuration("IDLE_TIMEOUT", 0),
		IdleCheckInterval: getEnvDuration("IDLE_CHECK_INTERVAL", 30*time.Second),

		DefaultShell:        getEnv("DEFAULT_SHELL", "/bin/bash"),
		DefaultRows:         getEnvInt("DEFAULT_ROWS", 24),
		DefaultCols:         getEnvInt("DEFAULT_COLS", 80),
		PTYOutputBufferSize: getEnvInt("PTY_OUTPUT_BUFFER_SIZE", pty.DefaultScrollbackSize),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration can run a server.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if strings.TrimSpace(c.ExtHostCommand) == "" {
		errs = append(errs, errors.New("EXTHOST_COMMAND is required"))
	}
	if c.ReconnectionGraceTime <= 0 {
		errs = append(errs, fmt.Errorf("RECONNECTION_GRACE_TIME must be positive, got %s", c.ReconnectionGraceTime))
	}
	if c.HandshakeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("HANDSHAKE_TIMEOUT must be positive, got %s", c.HandshakeTimeout))
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("IDLE_TIMEOUT must not be negative, got %s", c.IdleTimeout))
	}
	if c.UpgradeRateLimit < 0 || c.UpgradeRateBurst < 0 {
		errs = append(errs, errors.New("upgrade rate limit and burst must not be negative"))
	}
	if c.DefaultRows <= 0 || c.DefaultCols <= 0 {
		errs = append(errs, fmt.Errorf("default terminal size %dx%d is invalid", c.DefaultCols, c.DefaultRows))
	}
	return errors.Join(errs...)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// getEnvFields splits a whitespace-separated environment variable.
func getEnvFields(key string, defaultValue []string) []string {
	if fields := strings.Fields(os.Getenv(key)); len(fields) > 0 {
		return fields
	}
	return defaultValue
}
