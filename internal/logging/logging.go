// Package logging configures opusmixd's structured logger: always to
// stderr, and optionally to a rotated log file on top.
package logging

import (
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/opusmixd/opusmixd/internal/config"
)

const randSuffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Setup parses cfg.LogLevel, builds a slog handler writing to stderr (and,
// if cfg.FileLogging is enabled, to a rotated log file under a timestamped
// name derived from cfg.FileLogging.Filename), and installs it as the
// default logger. It returns the resolved log file path, or "" if file
// logging is disabled.
func Setup(cfg config.Config, stderr io.Writer) (string, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	writers := []io.Writer{stderr}

	var logFilePath string
	if cfg.FileLogging != nil && cfg.FileLogging.Enabled {
		path, err := resolveLogFilePath(cfg.FileLogging.Filename)
		if err != nil {
			return "", fmt.Errorf("logging: resolve log file path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("logging: create log directory: %w", err)
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.FileLogging.MaxSizeMB,
			MaxBackups: cfg.FileLogging.MaxBackups,
			MaxAge:     cfg.FileLogging.MaxAgeDays,
			Compress:   cfg.FileLogging.Compress,
		})
		logFilePath = path
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))

	return logFilePath, nil
}

// resolveLogFilePath expands a filename prefix into
// "<prefix>_<YYYY-MM-DD_HH_MM_SS>_<rand4>.log", stamped once per process.
func resolveLogFilePath(prefix string) (string, error) {
	suffix, err := randSuffix(4)
	if err != nil {
		return "", err
	}
	timestamp := time.Now().Format("2006-01-02_15_04_05")
	return fmt.Sprintf("%s_%s_%s.log", prefix, timestamp, suffix), nil
}

func randSuffix(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range raw {
		out[i] = randSuffixAlphabet[int(b)%len(randSuffixAlphabet)]
	}
	return string(out), nil
}
