package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Production_JSONHandler(t *testing.T) {
	logger := NewLogger("production", "")
	require.NotNil(t, logger)

	_, ok := logger.Handler().(*slog.JSONHandler)
	assert.True(t, ok, "production logger should use JSONHandler, got %T", logger.Handler())
}

func TestNewLogger_Development_TextHandler(t *testing.T) {
	logger := NewLogger("development", "")
	require.NotNil(t, logger)

	_, ok := logger.Handler().(*slog.TextHandler)
	assert.True(t, ok, "development logger should use TextHandler, got %T", logger.Handler())
}

func TestNewLogger_UnknownEnv_TextHandler(t *testing.T) {
	_, ok := NewLogger("staging", "").Handler().(*slog.TextHandler)
	assert.True(t, ok)
}

func TestNewLogger_Production_InfoLevel(t *testing.T) {
	logger := NewLogger("production", "")
	ctx := context.Background()
	assert.True(t, logger.Handler().Enabled(ctx, slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(ctx, slog.LevelDebug))
}

func TestNewLogger_Development_DebugLevel(t *testing.T) {
	logger := NewLogger("development", "")
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestNewLogger_LevelOverride(t *testing.T) {
	ctx := context.Background()

	prod := NewLogger("production", "debug")
	assert.True(t, prod.Handler().Enabled(ctx, slog.LevelDebug))

	dev := NewLogger("development", "warn")
	assert.False(t, dev.Handler().Enabled(ctx, slog.LevelInfo))
	assert.True(t, dev.Handler().Enabled(ctx, slog.LevelWarn))

	bogus := NewLogger("production", "loud")
	assert.False(t, bogus.Handler().Enabled(ctx, slog.LevelDebug))
}

func TestComponent_AddsAttribute(t *testing.T) {
	var buf bytes.Buffer

	logger := Component(newLogger(&buf, "production", ""), "syncer")
	logger.Info("hello")

	assert.Contains(t, buf.String(), `"component":"syncer"`)
}
