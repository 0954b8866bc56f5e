// Package config provides configuration loading for the phone console server.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the phone console server.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Default model endpoint settings. Requests may override these per
	// device; an init request with no endpoint anywhere is rejected.
	DefaultBaseURL   string
	DefaultModelName string
	DefaultAPIKey    string

	// Agent runtime settings
	AgentCommand string
	AgentArgs    []string

	// ADB settings
	ADBPath        string
	ADBExecTimeout time.Duration

	// Screen mirroring settings
	ScrcpyServerPath   string
	ScrcpyMaxSize      int
	ScrcpyBitRate      int
	ScrcpyPortBase     int
	ScrcpyStartTimeout time.Duration

	// HTTP server timeouts
	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int

	// Shell terminal settings
	DefaultRows int
	DefaultCols int

	// Persistence settings
	PersistenceDBPath string

	// Task history settings
	TaskHistoryLimit int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("PHONE_CONSOLE_PORT", 8080),
		Host:           getEnv("PHONE_CONSOLE_HOST", "127.0.0.1"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),

		DefaultBaseURL:   getEnv("AUTOGLM_BASE_URL", ""),
		DefaultModelName: getEnv("AUTOGLM_MODEL_NAME", "autoglm-phone-9b"),
		DefaultAPIKey:    getEnv("AUTOGLM_API_KEY", "EMPTY"),

		AgentCommand: getEnv("PHONE_AGENT_CMD", "phone-agent"),
		AgentArgs:    getEnvStringSlice("PHONE_AGENT_ARGS", nil),

		ADBPath:        getEnv("ADB_PATH", "adb"),
		ADBExecTimeout: getEnvDuration("ADB_EXEC_TIMEOUT", 10*time.Second),

		ScrcpyServerPath:   getEnv("SCRCPY_SERVER_PATH", "/usr/local/share/scrcpy/scrcpy-server"),
		ScrcpyMaxSize:      getEnvInt("SCRCPY_MAX_SIZE", 1280),
		ScrcpyBitRate:      getEnvInt("SCRCPY_BIT_RATE", 4_000_000),
		ScrcpyPortBase:     getEnvInt("SCRCPY_PORT_BASE", 27183),
		ScrcpyStartTimeout: getEnvDuration("SCRCPY_START_TIMEOUT", 10*time.Second),

		// WriteTimeout is intentionally absent: WebSocket connections are
		// long-lived and a write deadline on the underlying net.Conn would
		// kill hijacked connections mid-stream.
		HTTPReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout: getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 32*1024),

		DefaultRows: getEnvInt("DEFAULT_ROWS", 24),
		DefaultCols: getEnvInt("DEFAULT_COLS", 80),

		PersistenceDBPath: getEnv("PERSISTENCE_DB_PATH", defaultDBPath()),

		TaskHistoryLimit: getEnvInt("TASK_HISTORY_LIMIT", 50),
	}

	return cfg, nil
}

func defaultDBPath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/phone-console/state.db"
	}
	return "phone-console.db"
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
