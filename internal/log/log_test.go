package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContextAttrsAreAddedToRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOptions(Options{JSON: true, Writer: &buf})

	ctx := ContextAttrs(context.Background(), slog.String("run_id", "abc"))
	logger.With("component", "engine").InfoContext(ctx, "task started", "unit", "unit-1")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "abc", record["run_id"])
	require.Equal(t, "engine", record["component"])
	require.Equal(t, "unit-1", record["unit"])
}

func TestContextAttrsDoNotLeakBetweenChildren(t *testing.T) {
	parent := ContextAttrs(context.Background(), slog.String("a", "1"))
	left := ContextAttrs(parent, slog.String("b", "2"))
	right := ContextAttrs(parent, slog.String("c", "3"))

	require.Len(t, left.Value(slogKey).([]slog.Attr), 2)
	require.Len(t, right.Value(slogKey).([]slog.Attr), 2)
	require.Equal(t, "c", right.Value(slogKey).([]slog.Attr)[1].Key)
}

func TestVerboseEnablesDebug(t *testing.T) {
	var buf bytes.Buffer
	NewWithOptions(Options{Writer: &buf}).Debug("hidden")
	require.Zero(t, buf.Len())

	NewWithOptions(Options{Verbose: true, Writer: &buf}).Debug("shown")
	require.Contains(t, buf.String(), "shown")
}
