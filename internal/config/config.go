// Package config provides configuration loading for the bridge server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the bridge server.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// TLS settings
	CertDir string
	TestMode bool // NODE_ENV=test: disables mandatory TLS and JWT auth

	// Auth settings
	JWKSEndpoint string
	JWTAudience  string
	JWTIssuer    string

	// Session store settings
	SessionsDir         string
	SessionTTLDays      int
	StoreFlushInterval  time.Duration
	RecoveryProbeInterval time.Duration
	CleanupInterval     time.Duration

	// Subprocess launcher settings
	DefaultCwd  string
	BinaryOverride string
	KillGrace   time.Duration

	// Webhook / naming hook settings
	WebhookURL     string
	WebhookTimeout time.Duration
	CheckerTimeout time.Duration
	NamingHookURL  string

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	testMode := strings.EqualFold(getEnv("NODE_ENV", ""), "test")

	cfg := &Config{
		Port:           getEnvInt("PORT", 8787),
		Host:           getEnv("HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),

		CertDir:  getEnv("CERT_DIR", ""),
		TestMode: testMode,

		JWKSEndpoint: getEnv("AUTH_JWKS_URL", ""),
		JWTAudience:  getEnv("JWT_AUDIENCE", "bridge-server"),
		JWTIssuer:    getEnv("AUTH_ISSUER", ""),

		SessionsDir:           getEnv("SESSIONS_DIR", "./sessions"),
		SessionTTLDays:        getEnvInt("SESSION_TTL_DAYS", 30),
		StoreFlushInterval:    getEnvDuration("STORE_FLUSH_INTERVAL", 500*time.Millisecond),
		RecoveryProbeInterval: getEnvDuration("RECOVERY_PROBE_INTERVAL", 30*time.Second),
		CleanupInterval:       getEnvDuration("CLEANUP_INTERVAL", 1*time.Hour),

		DefaultCwd:     getEnv("DEFAULT_CWD", "."),
		BinaryOverride: getEnv("SUBPROCESS_BINARY", ""),
		KillGrace:      getEnvDuration("SUBPROCESS_KILL_GRACE", 5*time.Second),

		WebhookURL:     getEnv("NOTIFICATION_WEBHOOK_URL", ""),
		WebhookTimeout: time.Duration(getEnvInt("WEBHOOK_TIMEOUT_SECONDS", 10)) * time.Second,
		CheckerTimeout: time.Duration(getEnvInt("CHECKER_TIMEOUT_SECONDS", 10)) * time.Second,
		NamingHookURL:  getEnv("NAMING_HOOK_URL", ""),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 0), // 0: never kill long-lived WebSockets
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 4096),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 4096),
	}

	if !testMode && cfg.CertDir == "" {
		return nil, fmt.Errorf("CERT_DIR is required outside test mode")
	}
	if !testMode && cfg.JWKSEndpoint == "" {
		return nil, fmt.Errorf("AUTH_JWKS_URL is required outside test mode")
	}

	return cfg, nil
}

// SubprocessSocketBaseURL derives the URL the subprocess launcher tells the
// spawned binary to connect back to, switching scheme with TLS state.
func (c *Config) SubprocessSocketBaseURL() string {
	scheme := "wss"
	if c.TestMode {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://127.0.0.1:%d/ws/sub", scheme, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

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
