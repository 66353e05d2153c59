package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEnv_Defaults(t *testing.T) {
	cfg, err := validateDefaults(t)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.BindHost)
	assert.Equal(t, 8888, cfg.TCPPort)
	assert.Equal(t, 9999, cfg.UDPVoicePort)
	assert.Equal(t, 10000, cfg.UDPVideoPort)
	assert.Equal(t, 8765, cfg.GatewayPort)
	assert.Equal(t, "users_db.json", cfg.UsersDBPath)
	assert.True(t, cfg.AutoRegister)
	assert.Equal(t, "5-M", cfg.FileRateLimit)
	assert.Equal(t, "100-S", cfg.UDPRateLimit)
	assert.Zero(t, cfg.TCPIdleTimeout)
	assert.False(t, cfg.RedisEnabled)
	assert.Equal(t, "production", cfg.GoEnv)
}

// validateDefaults runs ValidateEnv in a scrubbed environment.
func validateDefaults(t *testing.T, set ...func(*testing.T)) (*Config, error) {
	t.Helper()
	for _, key := range []string{
		"BIND_HOST", "TCP_PORT", "UDP_VOICE_PORT", "UDP_VIDEO_PORT",
		"GATEWAY_PORT", "USERS_DB_PATH", "AUTH_AUTO_REGISTER",
		"FILE_RATE_LIMIT", "UDP_RATE_LIMIT", "TCP_IDLE_TIMEOUT",
		"REDIS_ENABLED", "REDIS_ADDR", "REDIS_PASSWORD",
		"GO_ENV", "LOG_LEVEL", "ALLOWED_ORIGINS",
	} {
		unsetenv(t, key)
	}
	for _, f := range set {
		f(t)
	}
	return ValidateEnv()
}

// unsetenv clears a variable for the test; t.Setenv handles the restore,
// and every config reader treats empty as unset.
func unsetenv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
}

func TestValidateEnv_Overrides(t *testing.T) {
	cfg, err := validateDefaults(t, func(t *testing.T) {
		t.Setenv("BIND_HOST", "127.0.0.1")
		t.Setenv("TCP_PORT", "7000")
		t.Setenv("AUTH_AUTO_REGISTER", "false")
		t.Setenv("FILE_RATE_LIMIT", "10-M")
		t.Setenv("TCP_IDLE_TIMEOUT", "5m")
	})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.BindHost)
	assert.Equal(t, 7000, cfg.TCPPort)
	assert.False(t, cfg.AutoRegister)
	assert.Equal(t, "10-M", cfg.FileRateLimit)
	assert.Equal(t, 5*time.Minute, cfg.TCPIdleTimeout)
}

func TestValidateEnv_InvalidPort(t *testing.T) {
	_, err := validateDefaults(t, func(t *testing.T) {
		t.Setenv("TCP_PORT", "99999")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TCP_PORT must be a valid port number")
}

func TestValidateEnv_CollectsAllErrors(t *testing.T) {
	_, err := validateDefaults(t, func(t *testing.T) {
		t.Setenv("TCP_PORT", "banana")
		t.Setenv("UDP_VOICE_PORT", "0")
		t.Setenv("TCP_IDLE_TIMEOUT", "soon")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TCP_PORT")
	assert.Contains(t, err.Error(), "UDP_VOICE_PORT")
	assert.Contains(t, err.Error(), "TCP_IDLE_TIMEOUT")
}

func TestValidateEnv_InvalidRedisAddr(t *testing.T) {
	_, err := validateDefaults(t, func(t *testing.T) {
		t.Setenv("REDIS_ENABLED", "true")
		t.Setenv("REDIS_ADDR", "invalid-format")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR must be in format 'host:port'")
}

func TestValidateEnv_RedisDefaultAddr(t *testing.T) {
	cfg, err := validateDefaults(t, func(t *testing.T) {
		t.Setenv("REDIS_ENABLED", "true")
	})
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestAddrHelpers(t *testing.T) {
	cfg := &Config{
		BindHost:     "0.0.0.0",
		TCPPort:      8888,
		UDPVoicePort: 9999,
		UDPVideoPort: 10000,
		GatewayPort:  8765,
	}
	assert.Equal(t, "0.0.0.0:8888", cfg.TCPAddr())
	assert.Equal(t, "0.0.0.0:9999", cfg.UDPVoiceAddr())
	assert.Equal(t, "0.0.0.0:10000", cfg.UDPVideoAddr())
	assert.Equal(t, "0.0.0.0:8765", cfg.GatewayAddr())
}

func TestIsValidHostPort(t *testing.T) {
	assert.True(t, isValidHostPort("localhost:6379"))
	assert.True(t, isValidHostPort("10.0.0.1:1"))
	assert.False(t, isValidHostPort("no-port-here"))
	assert.False(t, isValidHostPort(":6379"))
	assert.False(t, isValidHostPort("host:notaport"))
	assert.False(t, isValidHostPort("host:70000"))
}
