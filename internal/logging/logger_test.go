package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_ValidatesConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "format must be")
}

func TestNewLogger_RequiresAnOutput(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.Stdout = false
	cfg.Output.OTEL = false

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"trace", TraceLevel},
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		got, err := LevelFromString(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := LevelFromString("loud")
	require.Error(t, err)
}

func TestContextFields_CarriesRunAndPhase(t *testing.T) {
	ctx := WithRunID(context.Background(), "run-123")
	ctx = WithPhase(ctx, "specify")

	fields := ContextFields(ctx)

	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		keys = append(keys, f.Key)
	}
	assert.Contains(t, keys, "run.id")
	assert.Contains(t, keys, "phase.id")
}

func TestFromContext_FallsBackToNop(t *testing.T) {
	l := FromContext(context.Background())
	require.NotNil(t, l)

	ctx := WithLogger(context.Background(), NewNop())
	assert.NotNil(t, FromContext(ctx))
}
