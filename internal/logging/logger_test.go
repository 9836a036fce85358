package logging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_Defaults(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
	assert.NotNil(t, logger.Underlying())
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "format")

	cfg = NewDefaultConfig()
	cfg.Output.Stdout = false
	_, err = NewLogger(cfg, nil)
	require.Error(t, err)
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("loud")
	assert.Error(t, err)
}

func TestRedactingEncoder(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	buf, err := enc.EncodeEntry(
		zapcore.Entry{Level: zapcore.InfoLevel, Time: time.Unix(0, 0), Message: "calling model"},
		[]zapcore.Field{
			zap.String("api_key", "abc123"),
			zap.String("header", "Bearer abc.def"),
			zap.String("failure_code", "SMOOTHING_COLLAPSE"),
		},
	)
	require.NoError(t, err)
	out := buf.String()

	assert.NotContains(t, out, "abc123")
	assert.NotContains(t, out, "abc.def")
	assert.Contains(t, out, "SMOOTHING_COLLAPSE")
	assert.Contains(t, out, "[REDACTED]")
}

func TestContextFields(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))

	ctx := WithMonologueID(context.Background(), "mono-7")
	assert.Equal(t, "mono-7", MonologueIDFromContext(ctx))

	fields := ContextFields(ctx)
	require.Len(t, fields, 1)
	assert.Equal(t, "monologue.id", fields[0].Key)

	assert.Equal(t, context.Background(), WithMonologueID(context.Background(), ""))
}

func TestTestLogger_Assertions(t *testing.T) {
	logger := NewTestLogger()
	ctx := WithMonologueID(context.Background(), "m1")

	logger.Info(ctx, "gate evaluated", zap.String("failure_code", "SIDE_IGNORED"))
	logger.Trace(ctx, "hit scored")

	logger.AssertLogged(t, zapcore.InfoLevel, "gate evaluated")
	logger.AssertLogged(t, TraceLevel, "hit scored")
	logger.AssertNotLogged(t, zapcore.ErrorLevel, "gate evaluated")
	logger.AssertField(t, "gate evaluated", "failure_code", "SIDE_IGNORED")
	logger.AssertField(t, "gate evaluated", "monologue.id", "m1")
	assert.Len(t, logger.All(), 2)
	assert.Equal(t, []string{"gate evaluated", "hit scored"}, logger.Messages())
}
