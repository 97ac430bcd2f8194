// Package log sets up the process-wide slog logger: colored text on a
// terminal, JSON when GO_ENV=production.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

var (
	mu     sync.Mutex
	logger *slog.Logger
)

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// ValidLevel reports whether level names a known log level
func ValidLevel(level string) bool {
	_, ok := levels[strings.ToLower(level)]
	return ok
}

func parseLevel(level string) slog.Level {
	if l, ok := levels[strings.ToLower(level)]; ok {
		return l
	}
	return slog.LevelInfo
}

// Init installs the global logger. Later calls replace it, so a config
// reload can change the level.
func Init(level string) {
	l := New(os.Stdout, level, os.Getenv("GO_ENV") == "production")
	mu.Lock()
	logger = l
	mu.Unlock()
	slog.SetDefault(l)
}

// New builds a logger writing to w
func New(w io.Writer, level string, jsonOutput bool) *slog.Logger {
	lvl := parseLevel(level)
	if jsonOutput {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      lvl,
		TimeFormat: time.TimeOnly,
		NoColor:    !isTerminal(w),
	}))
}

// L returns the global logger, installing an info-level one on first use
func L() *slog.Logger {
	mu.Lock()
	l := logger
	mu.Unlock()
	if l == nil {
		Init("info")
		return L()
	}
	return l
}

// Component returns the global logger tagged with a component name
func Component(name string) *slog.Logger {
	return L().With("component", name)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	st, err := f.Stat()
	return err == nil && st.Mode()&os.ModeCharDevice != 0
}
