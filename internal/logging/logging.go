// Package logging configures the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/aceteam-ai/tally/internal/config"
)

// New builds a logger writing to out. Format "auto" picks the console writer
// when out is a terminal and JSON otherwise.
func New(cfg config.LogConfig, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	w := out
	switch cfg.Format {
	case "console":
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	case "json":
	case "", "auto":
		if isTerminal(out) {
			w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
		}
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q", cfg.Format)
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// LogFn adapts a logger to the func(level, msg) callback used by queue sources.
func LogFn(logger zerolog.Logger) func(level, msg string) {
	return func(level, msg string) {
		switch level {
		case "error":
			logger.Error().Msg(msg)
		case "warning", "warn":
			logger.Warn().Msg(msg)
		case "debug":
			logger.Debug().Msg(msg)
		default:
			logger.Info().Msg(msg)
		}
	}
}
