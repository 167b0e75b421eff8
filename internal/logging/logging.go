// Package logging builds the zerolog logger used by every mogclient component.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mogilefs/mogclient/internal/config"
)

// New returns a logger configured from cfg. Output goes to w, or to
// cfg.LogFile when set, or to stderr.
func New(cfg config.GlobalConfig, w io.Writer) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var closer io.Closer = nopCloser{}
	if w == nil {
		w = os.Stderr
		if cfg.LogFile != "" {
			f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				return zerolog.Nop(), nil, fmt.Errorf("failed to open log file: %w", err)
			}
			w, closer = f, f
		}
	}

	if cfg.LogFormat == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(w).Level(level).With().Timestamp().Str("service", "mogclient").Logger()
	return logger, closer, nil
}

// Component derives a child logger tagged with a component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
