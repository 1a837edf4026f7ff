package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"captainhook/pkg/logging"
)

func TestSugaredLogger_ContextFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewWithCore(core)
	log.(*SugaredLogger).SetServiceName("captainhook")

	ctx := logging.WithCorrelationID(context.Background(), "h-42")
	ctx = logging.WithEventType(ctx, "orders")

	log.Named("reader").WarnwCtx(ctx, "lease renewal limit reached", "renew_count", 5)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, "reader", entry.LoggerName)

	fields := entry.ContextMap()
	assert.Equal(t, "h-42", fields["correlation_id"])
	assert.Equal(t, "orders", fields["event_type"])
	assert.Equal(t, "captainhook", fields["service_name"])
	assert.EqualValues(t, 5, fields["renew_count"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}
