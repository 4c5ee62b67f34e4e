package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// FileConfig describes where rendered journal lines for a service are written.
// When Path is empty and Dir is set, the file is Dir/<service>.log.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `json:"dir" mapstructure:"dir"`
	Path       string `json:"path" mapstructure:"path"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// Config is the operator-facing logging configuration.
type Config struct {
	Level  string     `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string     `json:"format" mapstructure:"format"` // text (colored) or json
	NoTime bool       `json:"no_time" mapstructure:"no_time"`
	Retain int        `json:"retain" mapstructure:"retain"` // in-memory journal entries per service
	File   FileConfig `json:"file" mapstructure:",squash"`
}

// Enabled reports whether file output is configured.
func (c FileConfig) Enabled() bool { return c.Dir != "" || c.Path != "" }

// Writer returns a rotating writer for the given service name, or nil when
// file output is not configured.
func (c FileConfig) Writer(name string) (io.WriteCloser, error) {
	path := c.Path
	if path == "" && c.Dir != "" {
		path = filepath.Join(c.Dir, fmt.Sprintf("%s.log", name))
	}
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}, nil
}

// NewSlogger builds the operator slog.Logger for w according to the config.
func (c Config) NewSlogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(NewColorTextHandler(w, opts, !c.NoTime))
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
