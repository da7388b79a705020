//go:build unit

package zap

import (
	"context"
	"errors"
	"testing"

	logpkg "github.com/LerianStudio/lib-uow/uow/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, observed := observer.New(level)

	return &Logger{logger: zap.New(core)}, observed
}

func TestNilReceiverFallsBackToNop(t *testing.T) {
	var nilLogger *Logger

	assert.NotPanics(t, func() {
		nilLogger.Log(context.Background(), logpkg.LevelInfo, "message")
	})
}

func TestNilUnderlyingFallsBackToNop(t *testing.T) {
	logger := &Logger{}

	assert.NotPanics(t, func() {
		logger.Log(context.Background(), logpkg.LevelInfo, "message")
	})
}

func TestLogDispatchesLevels(t *testing.T) {
	logger, observed := newObservedLogger(zapcore.DebugLevel)
	ctx := context.Background()

	logger.Log(ctx, logpkg.LevelDebug, "debug message")
	logger.Log(ctx, logpkg.LevelInfo, "info message", logpkg.String("transaction_id", "tx-1"))
	logger.Log(ctx, logpkg.LevelWarn, "warn message")
	logger.Log(ctx, logpkg.LevelError, "error message", logpkg.Err(errors.New("boom")))

	entries := observed.All()
	require.Len(t, entries, 4)

	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "debug message", entries[0].Message)

	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, "tx-1", entries[1].ContextMap()["transaction_id"])

	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)

	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
	assert.Equal(t, "error message", entries[3].Message)
}

func TestLogAppendsTraceCorrelation(t *testing.T) {
	logger, observed := newObservedLogger(zapcore.DebugLevel)

	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{0x01},
		SpanID:  trace.SpanID{0x02},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)

	logger.Log(ctx, logpkg.LevelInfo, "correlated")

	entries := observed.All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	assert.Equal(t, spanCtx.TraceID().String(), fields["trace_id"])
	assert.Equal(t, spanCtx.SpanID().String(), fields["span_id"])
}

func TestWithAddsFieldsWithoutMutatingParent(t *testing.T) {
	logger, observed := newObservedLogger(zapcore.DebugLevel)
	child := logger.With(logpkg.String("tenant_id", "t-1"))

	logger.Log(context.Background(), logpkg.LevelInfo, "parent")
	child.Log(context.Background(), logpkg.LevelInfo, "child")

	entries := observed.All()
	require.Len(t, entries, 2)

	_, parentHasTenant := entries[0].ContextMap()["tenant_id"]
	assert.False(t, parentHasTenant)
	assert.Equal(t, "t-1", entries[1].ContextMap()["tenant_id"])
}

func TestWithGroupNestsFields(t *testing.T) {
	logger, observed := newObservedLogger(zapcore.DebugLevel)

	logger.WithGroup("uow").Log(context.Background(), logpkg.LevelInfo, "grouped", logpkg.String("state", "active"))

	entries := observed.All()
	require.Len(t, entries, 1)

	group, ok := entries[0].ContextMap()["uow"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "active", group["state"])
}

func TestEnabledHonorsCoreLevel(t *testing.T) {
	logger, _ := newObservedLogger(zapcore.WarnLevel)

	assert.True(t, logger.Enabled(logpkg.LevelError))
	assert.True(t, logger.Enabled(logpkg.LevelWarn))
	assert.False(t, logger.Enabled(logpkg.LevelInfo))
	assert.False(t, logger.Enabled(logpkg.LevelDebug))
}

func TestSyncRespectsCancelledContext(t *testing.T) {
	logger, _ := newObservedLogger(zapcore.DebugLevel)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, logger.Sync(ctx), context.Canceled)
}

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		expectError bool
	}{
		{
			name: "production profile",
			cfg:  Config{Environment: EnvironmentProduction},
		},
		{
			name: "local profile with explicit level",
			cfg:  Config{Environment: EnvironmentLocal, Level: "warn"},
		},
		{
			name:        "unknown environment",
			cfg:         Config{Environment: Environment("qa")},
			expectError: true,
		},
		{
			name:        "invalid level",
			cfg:         Config{Environment: EnvironmentProduction, Level: "loud"},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)

			if tt.expectError {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			require.NotNil(t, logger)
		})
	}
}

func TestWrapAdoptsExistingLogger(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	logger := Wrap(zap.New(core))

	logger.Log(context.Background(), logpkg.LevelInfo, "adopted")

	require.Len(t, observed.All(), 1)
	assert.Same(t, logger.Raw(), logger.must())
}
