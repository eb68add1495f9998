package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rendis/flowc/internal/logging"
)

// Config holds all flowc configuration.
// Priority: flags > env vars > defaults.
type Config struct {
	DBPath        string
	LogLevel      string
	MetadataKind  string
	DatastoreKind string
	MaxWorkers    int
}

func defaultConfig() Config {
	return Config{
		DBPath:   "file:" + filepath.Join(flowcDir(), "flowc.db"),
		LogLevel: "info",
	}
}

func flowcDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowc"
	}
	return filepath.Join(home, ".flowc")
}

func loadConfig() Config {
	cfg := defaultConfig()

	if v := os.Getenv("FLOWC_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWC_DEFAULT_METADATA"); v != "" {
		cfg.MetadataKind = v
	}
	if v := os.Getenv("FLOWC_DEFAULT_DATASTORE"); v != "" {
		cfg.DatastoreKind = v
	}
	if v := os.Getenv("FLOWC_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxWorkers = n
		}
	}

	return cfg
}

// newLogger builds the process logger with run/step/task correlation
// attributes pulled from context.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
