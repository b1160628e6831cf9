// Package config loads opusmixd's runtime configuration from environment
// variables, with command-line flags (see cmd/opusmixd) layered on top.
package config

import (
	"os"
	"strconv"

	"github.com/opusmixd/opusmixd/internal/audio"
)

// FileLoggingConfig controls the optional rotated log file sink, layered
// alongside the always-on stderr logger.
type FileLoggingConfig struct {
	Enabled    bool
	Filename   string // path prefix; the running process appends a timestamped suffix
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config holds all runtime configuration, loaded from environment variables.
type Config struct {
	// HTTP server
	ListenAddr string

	// Default encoder bitrate for newly created streams, in bits per second.
	DefaultBitrateBps int

	// AudioFormat is the PCM format every Decoder is asked to produce and
	// every Encoder consumes: the server supports exactly one output
	// format per process.
	AudioFormat audio.Format

	// AdvanceChunkSeconds is how much audio a single /advance call produces;
	// the client's own request carries no duration, so this is the server's
	// sole knob for advance granularity.
	AdvanceChunkSeconds float64

	LogLevel    string
	FileLogging *FileLoggingConfig
}

// Load reads configuration from environment variables with sane defaults.
func Load() Config {
	return Config{
		ListenAddr: envStr("OPUSMIXD_LISTEN_ADDR", "localhost:4851"),

		DefaultBitrateBps: envInt("OPUSMIXD_DEFAULT_BITRATE_BPS", 196000),

		AudioFormat: audio.Format{
			Channels:     envInt("OPUSMIXD_CHANNELS", 2),
			SampleRateHz: envInt("OPUSMIXD_SAMPLE_RATE_HZ", 48000),
			BitDepth:     32,
			UseFloat:     true,
			LittleEndian: true,
		},

		AdvanceChunkSeconds: envFloat("OPUSMIXD_MAX_ADVANCE_SECONDS", 5.0),

		LogLevel: envStr("OPUSMIXD_LOG_LEVEL", "info"),
		FileLogging: &FileLoggingConfig{
			Enabled:    envBool("OPUSMIXD_FILE_LOGGING", false),
			Filename:   envStr("OPUSMIXD_LOG_FILE_PREFIX", "logs/opusmixd"),
			MaxSizeMB:  envInt("OPUSMIXD_LOG_MAX_SIZE_MB", 50),
			MaxBackups: envInt("OPUSMIXD_LOG_MAX_BACKUPS", 5),
			MaxAgeDays: envInt("OPUSMIXD_LOG_MAX_AGE_DAYS", 14),
			Compress:   envBool("OPUSMIXD_LOG_COMPRESS", true),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
