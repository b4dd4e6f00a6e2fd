// Package logger provides slog handlers used across graphfold: a colored
// terminal handler for interactive use and config-driven construction for
// services.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/soundprediction/graphfold/pkg/config"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// ColorHandler is a slog.Handler that writes human-readable, colored output.
type ColorHandler struct {
	opts  slog.HandlerOptions
	mu    *sync.Mutex
	w     io.Writer
	attrs []slog.Attr
	group string
}

// NewColorHandler creates a ColorHandler writing to w.
func NewColorHandler(w io.Writer, opts *slog.HandlerOptions) *ColorHandler {
	h := &ColorHandler{
		mu: &sync.Mutex{},
		w:  w,
	}
	if opts != nil {
		h.opts = *opts
	}
	if h.opts.Level == nil {
		h.opts.Level = slog.LevelInfo
	}
	return h
}

// Enabled implements slog.Handler
func (h *ColorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

// Handle implements slog.Handler
func (h *ColorHandler) Handle(_ context.Context, r slog.Record) error {
	var sb strings.Builder

	sb.WriteString(colorGray)
	sb.WriteString(r.Time.Format("15:04:05.000"))
	sb.WriteString(colorReset)
	sb.WriteString(" ")

	sb.WriteString(levelColor(r.Level))
	sb.WriteString(fmt.Sprintf("%-5s", r.Level.String()))
	sb.WriteString(colorReset)
	sb.WriteString(" ")

	sb.WriteString(r.Message)

	for _, attr := range h.attrs {
		writeAttr(&sb, h.group, attr)
	}
	r.Attrs(func(attr slog.Attr) bool {
		writeAttr(&sb, h.group, attr)
		return true
	})
	sb.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, sb.String())
	return err
}

// WithAttrs implements slog.Handler
func (h *ColorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

// WithGroup implements slog.Handler
func (h *ColorHandler) WithGroup(name string) slog.Handler {
	clone := *h
	if clone.group != "" {
		clone.group += "."
	}
	clone.group += name
	return &clone
}

func writeAttr(sb *strings.Builder, group string, attr slog.Attr) {
	key := attr.Key
	if group != "" {
		key = group + "." + key
	}
	sb.WriteString(" ")
	sb.WriteString(colorCyan)
	sb.WriteString(key)
	sb.WriteString(colorReset)
	sb.WriteString("=")
	sb.WriteString(attr.Value.String())
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return colorRed
	case level >= slog.LevelWarn:
		return colorYellow
	case level >= slog.LevelInfo:
		return colorGreen
	default:
		return colorGray
	}
}

// NewDefaultLogger creates a colored logger writing to stderr at the given
// level.
func NewDefaultLogger(level slog.Level) *slog.Logger {
	return slog.New(NewColorHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// FromConfig builds a logger from the log configuration. Format "json"
// produces machine-readable output; anything else gets the colored handler.
func FromConfig(cfg config.LogConfig) *slog.Logger {
	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(NewColorHandler(os.Stderr, opts))
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
