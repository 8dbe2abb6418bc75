// Package config reads the session engine's runtime tunables from the
// environment, os.Getenv-with-defaults, with no config file or flag
// parser in between.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every environment-tunable knob the session engine reads at
// startup.
type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	HTTPAddr string

	// Parallelism bounds how many submissions a single pipeline stage
	// processes concurrently within one run.
	Parallelism int

	// PluginCallTimeout bounds a single plugin invocation (one submission,
	// one stage). Zero means unbounded.
	PluginCallTimeout time.Duration

	// LogBufferSize caps each session's in-memory ring buffer of envelopes
	// kept for late-subscriber replay.
	LogBufferSize int

	// SessionEvictGrace is how long a terminated session's in-memory
	// Session handle is kept around (for late subscribers replaying
	// history) before the sweep evicts it.
	SessionEvictGrace time.Duration

	// SessionSweepCron is the cron schedule the eviction sweep runs on.
	SessionSweepCron string

	// LogPersistence toggles whether SessionLogger entries are durably
	// written via the Gateway in addition to being put on the bus.
	// Disabled by default; best-effort even when enabled, so a failed log
	// write never kills a session.
	LogPersistence bool

	// CourseSessionRateLimit is the maximum number of new sessions a
	// single course may start per second.
	CourseSessionRateLimit float64
	CourseSessionBurst     int

	// HTTPRateLimit and HTTPRateBurst bound requests per client IP across
	// the whole HTTP surface, ahead of (and independent from)
	// CourseSessionRateLimit's session-creation-specific limiting.
	HTTPRateLimit float64
	HTTPRateBurst int
}

// FromEnv builds a Config from environment variables, applying the defaults
// noted per field when a variable is unset or unparsable.
func FromEnv() Config {
	return Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "gradeflow"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "gradeflow"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		Parallelism:       getEnvInt("PARALLELISM", 10),
		PluginCallTimeout: getEnvDuration("PLUGIN_CALL_TIMEOUT", 0),
		LogBufferSize:     getEnvInt("LOG_BUFFER_SIZE", 500),
		SessionEvictGrace: getEnvDuration("SESSION_EVICT_GRACE", 30*time.Second),
		SessionSweepCron:  getEnv("SESSION_SWEEP_CRON", "*/5 * * * *"),
		LogPersistence:    getEnvBool("LOG_PERSISTENCE", false),

		CourseSessionRateLimit: getEnvFloat("COURSE_SESSION_RATE_LIMIT", 1.0),
		CourseSessionBurst:     getEnvInt("COURSE_SESSION_BURST", 3),

		HTTPRateLimit: getEnvFloat("HTTP_RATE_LIMIT", 20.0),
		HTTPRateBurst: getEnvInt("HTTP_RATE_BURST", 40),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
