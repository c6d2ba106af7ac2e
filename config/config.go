package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Publish target
	PublishURL string // rtmp://host:port/app/stream

	// Protocol
	ChunkSize      int
	ConnectTimeout time.Duration

	// Input
	InputFile string // FLV file to push

	// Pacing
	Realtime bool // sleep between frames to match their timestamps

	// Stats HTTP server
	HTTPAddr string // empty disables the stats server
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		PublishURL:     getEnv("PUBLISH_URL", "rtmp://localhost:1935/live/stream"),
		ChunkSize:      getIntEnv("CHUNK_SIZE", 4096),
		ConnectTimeout: getDurationEnv("CONNECT_TIMEOUT", 10*time.Second),
		InputFile:      getEnv("INPUT_FILE", ""),
		Realtime:       getBoolEnv("REALTIME", true),
		HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
	}
}

// Helper functions to get environment variables with defaults

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
