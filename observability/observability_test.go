package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	t.Run("json production logger", func(t *testing.T) {
		logger, err := NewLogger(LoggerConfig{Level: "info", Format: "json"})
		require.NoError(t, err)
		assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
		assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	})

	t.Run("console development logger", func(t *testing.T) {
		logger, err := NewLogger(LoggerConfig{Level: "debug", Format: "console"})
		require.NoError(t, err)
		assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
	})

	t.Run("invalid level", func(t *testing.T) {
		_, err := NewLogger(LoggerConfig{Level: "loud", Format: "json"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid log level")
	})
}

func TestNewMetrics(t *testing.T) {
	metrics, err := NewMetrics(noop.NewMeterProvider())
	require.NoError(t, err)

	assert.NotNil(t, metrics.AttemptDuration)
	assert.NotNil(t, metrics.Fallbacks)
	assert.NotNil(t, metrics.Exhausted)
	assert.NotNil(t, metrics.BreakerTransitions)
}
