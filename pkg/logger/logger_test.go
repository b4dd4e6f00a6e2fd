package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/graphfold/pkg/config"
)

func TestColorHandlerWritesAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewColorHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	log.Info("committed batch", "batch_id", "batch-1", "ops", 12)

	out := buf.String()
	assert.Contains(t, out, "committed batch")
	assert.Contains(t, out, "batch_id")
	assert.Contains(t, out, "batch-1")
	assert.Contains(t, out, "ops")
}

func TestColorHandlerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	handler := NewColorHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})

	require.False(t, handler.Enabled(context.Background(), slog.LevelInfo))
	require.True(t, handler.Enabled(context.Background(), slog.LevelError))
}

func TestColorHandlerWithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	base := NewColorHandler(&buf, nil)
	log := slog.New(base.WithAttrs([]slog.Attr{slog.String("service", "graphfold")}).WithGroup("store"))

	log.Info("opened", "driver", "badger")

	out := buf.String()
	assert.Contains(t, out, "service")
	assert.Contains(t, out, "store.driver")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"garbage", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.input), tt.input)
	}
}

func TestFromConfig(t *testing.T) {
	log := FromConfig(config.LogConfig{Level: "debug", Format: "json"})
	require.NotNil(t, log)
	assert.True(t, log.Enabled(context.Background(), slog.LevelDebug))

	log = FromConfig(config.LogConfig{Level: "error", Format: "text"})
	assert.False(t, log.Enabled(context.Background(), slog.LevelInfo))
}
