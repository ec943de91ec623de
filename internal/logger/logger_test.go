package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger := Init("test-service", slog.LevelInfo)
	require.NotNil(t, logger)
	assert.Same(t, logger, slog.Default())
}

func TestNew_WritesJSONWithService(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "candled", slog.LevelWarn)

	log.Info("hidden")
	log.Warn("backfill retry", slog.Int("attempt", 2))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "candled", rec["service"])
	assert.Equal(t, "backfill retry", rec["msg"])
	assert.Equal(t, float64(2), rec["attempt"])
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"Warning": slog.LevelWarn,
		" error ": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, TraceID(ctx))

	ctx = WithTraceID(ctx, "test-trace-123")
	assert.Equal(t, "test-trace-123", TraceID(ctx))
}

func TestGenerateTraceID(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 30, 0, 123456789, time.UTC)
	tid := GenerateTraceID("M1", ts)

	assert.Equal(t, "M1-1705314600123456789", tid)
}

func TestLogWithTrace(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, LogWithTrace(ctx))

	ctx = WithTraceID(ctx, "abc-123")
	assert.NotEmpty(t, LogWithTrace(ctx))
}
