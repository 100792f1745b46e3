// Package logging configures the process-wide slog logger.
//
// Packages keep a logger from For at package init. Those loggers resolve
// slog.Default() on every call, so Init can run later (after the config file
// is read) and still govern their level and format.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config selects the handler installed by Init.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // text, json
}

// ParseLevel maps a level name to a slog.Level. Unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// New builds a logger writing to w.
func New(cfg Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Init installs a stderr logger as slog's default.
func Init(cfg Config) {
	slog.SetDefault(New(cfg, os.Stderr))
}

// For returns a logger tagged with component that writes through whatever
// logger is the default at call time.
func For(component string) *slog.Logger {
	return slog.New(forward{}).With("component", component)
}

// forward delegates to slog.Default().Handler(), re-applying the attrs and
// groups accumulated through With and WithGroup.
type forward struct {
	wrap func(slog.Handler) slog.Handler
}

func (f forward) target() slog.Handler {
	h := slog.Default().Handler()
	if f.wrap != nil {
		h = f.wrap(h)
	}
	return h
}

func (f forward) Enabled(ctx context.Context, level slog.Level) bool {
	return f.target().Enabled(ctx, level)
}

func (f forward) Handle(ctx context.Context, r slog.Record) error {
	return f.target().Handle(ctx, r)
}

func (f forward) WithAttrs(attrs []slog.Attr) slog.Handler {
	prev := f.wrap
	return forward{wrap: func(h slog.Handler) slog.Handler {
		if prev != nil {
			h = prev(h)
		}
		return h.WithAttrs(attrs)
	}}
}

func (f forward) WithGroup(name string) slog.Handler {
	prev := f.wrap
	return forward{wrap: func(h slog.Handler) slog.Handler {
		if prev != nil {
			h = prev(h)
		}
		return h.WithGroup(name)
	}}
}
