package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format, development uses tinted text that only
// carries colour codes when stdout is a terminal.
func NewLogger(env string) *slog.Logger {
	return newLogger(env, os.Stdout, isatty.IsTerminal(os.Stdout.Fd()))
}

func newLogger(env string, w io.Writer, color bool) *slog.Logger {
	if env == "production" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.DateTime,
		NoColor:    !color,
	}))
}
