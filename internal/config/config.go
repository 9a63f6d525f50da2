// Package config loads the farm server settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application-level settings.
type Config struct {
	// Server
	ServerAddr string

	// Address and port workers use to download project files.
	FileServerAddress string
	FileServerPort    int

	StorageRoot string

	// Redis (id allocation); empty RedisAddr keeps counters in memory
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// PostgreSQL (history); empty DBHost disables persistence
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Render dispatch pool
	DispatchPoolSize   int
	DispatchRetries    int
	DispatchTimeout    time.Duration
	DispatchPoll       time.Duration
	DispatchRetryDelay time.Duration

	// Concatenation pool
	ConcatPoolSize    int
	ConcatTimeout     time.Duration
	ConcatMaxAttempts int

	ResultRetention time.Duration
	RetentionSweep  time.Duration
	MaxIDAttempts   int
	MonotonicFrames bool

	// External tools
	DescribeCommand string
	FFmpegBinary    string
	VideoFrameRate  int
}

// Load reads an optional .env file, then environment variables with
// sensible defaults.
func Load() *Config {
	_ = godotenv.Load() // absent .env is fine
	return &Config{
		ServerAddr:         envOr("SERVER_ADDR", ":8080"),
		FileServerAddress:  envOr("FILE_SERVER_ADDRESS", "127.0.0.1"),
		FileServerPort:     envIntOr("FILE_SERVER_PORT", 8080),
		StorageRoot:        envOr("STORAGE_ROOT", "./data"),
		RedisAddr:          envOr("REDIS_ADDR", ""),
		RedisPassword:      envOr("REDIS_PASSWORD", ""),
		RedisDB:            envIntOr("REDIS_DB", 0),
		DBHost:             envOr("DB_HOST", ""),
		DBPort:             envOr("DB_PORT", "5432"),
		DBUser:             envOr("DB_USER", "postgres"),
		DBPassword:         envOr("DB_PASSWORD", "postgres"),
		DBName:             envOr("DB_NAME", "render"),
		DBSSLMode:          envOr("DB_SSLMODE", "disable"),
		DispatchPoolSize:   envIntOr("DISPATCH_POOL_SIZE", 5),
		DispatchRetries:    envIntOr("DISPATCH_RETRIES", 5),
		DispatchTimeout:    envDurationOr("DISPATCH_TIMEOUT", 5*time.Second),
		DispatchPoll:       envDurationOr("DISPATCH_POLL_INTERVAL", 500*time.Millisecond),
		DispatchRetryDelay: envDurationOr("DISPATCH_RETRY_DELAY", 0),
		ConcatPoolSize:     envIntOr("CONCAT_POOL_SIZE", 2),
		ConcatTimeout:      envDurationOr("CONCAT_TIMEOUT", 30*time.Minute),
		ConcatMaxAttempts:  envIntOr("CONCAT_MAX_ATTEMPTS", 3),
		ResultRetention:    envDurationOr("RESULT_RETENTION", 7*24*time.Hour),
		RetentionSweep:     envDurationOr("RETENTION_SWEEP_INTERVAL", time.Minute),
		MaxIDAttempts:      envIntOr("MAX_ID_ATTEMPTS", 10),
		MonotonicFrames:    envBoolOr("MONOTONIC_FRAMES", false),
		DescribeCommand:    envOr("DESCRIBE_COMMAND", "blender-describe {file}"),
		FFmpegBinary:       envOr("FFMPEG_BINARY", "ffmpeg"),
		VideoFrameRate:     envIntOr("VIDEO_FRAME_RATE", 0),
	}
}

// DSN builds the PostgreSQL connection string, or "" when persistence is off.
func (c *Config) DSN() string {
	if c.DBHost == "" {
		return ""
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// ─── helpers ───

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
