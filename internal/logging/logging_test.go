package logging_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/remora/internal/logging"
)

func TestNew(t *testing.T) {
	ctx := context.Background()

	t.Run("level gates output", func(t *testing.T) {
		logger := logging.New("json", "warn")
		require.NotNil(t, logger)
		assert.False(t, logger.Enabled(ctx, slog.LevelInfo))
		assert.True(t, logger.Enabled(ctx, slog.LevelWarn))
	})

	t.Run("debug level lets everything through", func(t *testing.T) {
		logger := logging.New("text", "debug")
		assert.True(t, logger.Enabled(ctx, slog.LevelDebug))
	})

	t.Run("unknown settings degrade to text at info", func(t *testing.T) {
		logger := logging.New("yaml", "loud")
		require.NotNil(t, logger)
		assert.True(t, logger.Enabled(ctx, slog.LevelInfo))
		assert.False(t, logger.Enabled(ctx, slog.LevelDebug))
	})

	t.Run("becomes the process default", func(t *testing.T) {
		logger := logging.New("json", "error")
		assert.Equal(t, logger, slog.Default())
	})
}

func TestNewWithWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, "json", "info")

	logger.Info("routed", "key", "value")

	assert.Contains(t, buf.String(), `"msg":"routed"`)
	assert.Contains(t, buf.String(), `"key":"value"`)
}
