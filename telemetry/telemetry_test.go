package telemetry

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

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.RecordLedgerEntry(ctx, -3)
		m.RecordTransition(ctx, "task", "completed")
		m.RecordConflict(ctx, "task")
		m.RecordSweep(ctx, 1, 2, time.Second)
	})
}

func TestMetrics_Noop(t *testing.T) {
	m := Noop()
	require.NotNil(t, m)
	assert.NotPanics(t, func() {
		m.RecordLedgerEntry(context.Background(), 5)
		m.RecordSweep(context.Background(), 0, 0, 0)
	})

	g, err := Global()
	require.NoError(t, err)
	assert.NotNil(t, g.Transitions)
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", "json", &buf)

	logger.Info("hidden")
	logger.Warn("shown", "task_id", "t1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "t1", line["task_id"])
	assert.Equal(t, "points-engine", line["component"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}
