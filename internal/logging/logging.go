// Package logging configures the process-wide slog logger used by every
// component of the bridge daemon.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Options controls how Configure builds the default logger.
type Options struct {
	Level string
	// AddSource annotates each record with file:line. Useful while
	// chasing a dispatch bug across transports; noisy in production.
	AddSource bool
}

// Configure installs a process-wide slog default logger and returns a
// component-scoped logger bound to "component"="gbridge".
func Configure(opts Options) (*slog.Logger, error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: opts.AddSource,
	})
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger.With("component", "gbridge"), nil
}

// For returns a child logger scoped to a named subsystem (e.g. "svc",
// "routing", "transport.serial").
func For(name string) *slog.Logger {
	return slog.Default().With("component", name)
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", LevelInfo:
		return slog.LevelInfo, nil
	case LevelDebug:
		return slog.LevelDebug, nil
	case LevelWarn:
		return slog.LevelWarn, nil
	case LevelError:
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", level)
	}
}
