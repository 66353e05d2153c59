package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Listener addresses
	BindHost     string
	TCPPort      int
	UDPVoicePort int
	UDPVideoPort int
	GatewayPort  int

	// Credential store
	UsersDBPath  string
	AutoRegister bool

	// Rate limits in ulule/limiter "limit-period" notation
	FileRateLimit string
	UDPRateLimit  string

	// Idle timeout on authenticated control connections; zero disables it
	TCPIdleTimeout time.Duration

	// Optional Redis-backed rate limiter store
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	GoEnv          string
	LogLevel       string
	AllowedOrigins string
}

// ValidateEnv validates all environment variables and returns a Config object.
// Returns an error if any variable is present but invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	cfg.BindHost = getEnvOrDefault("BIND_HOST", "0.0.0.0")

	var err error
	if cfg.TCPPort, err = portFromEnv("TCP_PORT", 8888); err != nil {
		errors = append(errors, err.Error())
	}
	if cfg.UDPVoicePort, err = portFromEnv("UDP_VOICE_PORT", 9999); err != nil {
		errors = append(errors, err.Error())
	}
	if cfg.UDPVideoPort, err = portFromEnv("UDP_VIDEO_PORT", 10000); err != nil {
		errors = append(errors, err.Error())
	}
	if cfg.GatewayPort, err = portFromEnv("GATEWAY_PORT", 8765); err != nil {
		errors = append(errors, err.Error())
	}

	cfg.UsersDBPath = getEnvOrDefault("USERS_DB_PATH", "users_db.json")

	// Auto-registration on first login matches the historical server behavior.
	// Operators that want explicit registration set AUTH_AUTO_REGISTER=false.
	cfg.AutoRegister = getEnvOrDefault("AUTH_AUTO_REGISTER", "true") == "true"

	cfg.FileRateLimit = getEnvOrDefault("FILE_RATE_LIMIT", "5-M")
	cfg.UDPRateLimit = getEnvOrDefault("UDP_RATE_LIMIT", "100-S")

	idle := os.Getenv("TCP_IDLE_TIMEOUT")
	if idle != "" {
		d, err := time.ParseDuration(idle)
		if err != nil || d < 0 {
			errors = append(errors, fmt.Sprintf("TCP_IDLE_TIMEOUT must be a non-negative duration (got '%s')", idle))
		} else {
			cfg.TCPIdleTimeout = d
		}
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// TCPAddr returns the control-plane listen address.
func (c *Config) TCPAddr() string {
	return fmt.Sprintf("%s:%d", c.BindHost, c.TCPPort)
}

// UDPVoiceAddr returns the voice relay listen address.
func (c *Config) UDPVoiceAddr() string {
	return fmt.Sprintf("%s:%d", c.BindHost, c.UDPVoicePort)
}

// UDPVideoAddr returns the video relay listen address.
func (c *Config) UDPVideoAddr() string {
	return fmt.Sprintf("%s:%d", c.BindHost, c.UDPVideoPort)
}

// GatewayAddr returns the WebSocket gateway listen address.
func (c *Config) GatewayAddr() string {
	return fmt.Sprintf("%s:%d", c.BindHost, c.GatewayPort)
}

// portFromEnv reads a port number from the environment with a shipped default.
func portFromEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	port, err := strconv.Atoi(v)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("%s must be a valid port number between 1 and 65535 (got '%s')", key, v)
	}
	return port, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"bind_host", cfg.BindHost,
		"tcp_port", cfg.TCPPort,
		"udp_voice_port", cfg.UDPVoicePort,
		"udp_video_port", cfg.UDPVideoPort,
		"gateway_port", cfg.GatewayPort,
		"users_db_path", cfg.UsersDBPath,
		"auto_register", cfg.AutoRegister,
		"file_rate_limit", cfg.FileRateLimit,
		"udp_rate_limit", cfg.UDPRateLimit,
		"tcp_idle_timeout", cfg.TCPIdleTimeout,
		"redis_enabled", cfg.RedisEnabled,
		"go_env", cfg.GoEnv,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default
// value if not set. Empty counts as unset.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
