// Package logging builds the zerolog logger handed to sessions and pools.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"mtmanager/pkg/core"
)

// Config controls where and how much is logged.
type Config struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Console writes human-readable lines instead of JSON to Output.
	Console bool
	// Output defaults to os.Stderr.
	Output io.Writer
	// File, when set, also writes JSON lines to a rotating file.
	File       string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
	// Agent is added to every event when set.
	Agent string
}

// FromConfig returns the logging settings of a session config.
func FromConfig(c *core.Config) Config {
	return Config{
		Level:      c.LogLevel,
		Console:    c.LogLevel == "debug",
		File:       c.LogFile,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Agent:      c.Credentials.Agent,
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds a logger from cfg. The returned closer releases the log file and
// must be called once the logger is no longer used.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("log level: %w", err)
		}
		level = l
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime}
	}

	var closer io.Closer = nopCloser{}
	writer := out
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("log directory: %w", err)
		}
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		writer = zerolog.MultiLevelWriter(out, file)
		closer = file
	}

	ctx := zerolog.New(writer).Level(level).With().Timestamp()
	if cfg.Agent != "" {
		ctx = ctx.Str("agent", cfg.Agent)
	}
	return ctx.Logger(), closer, nil
}
