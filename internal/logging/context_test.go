package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RunID(ctx))
	assert.Empty(t, StepName(ctx))

	ctx = WithRunID(ctx, "run-1")
	ctx = WithStepName(ctx, "transform")
	assert.Equal(t, "run-1", RunID(ctx))
	assert.Equal(t, "transform", StepName(ctx))
}

func TestCorrelationHandler_InjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithStepName(WithRunID(context.Background(), "run-42"), "deliver")
	logger.InfoContext(ctx, "step finished")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "run-42", record["run_id"])
	assert.Equal(t, "deliver", record["step"])
	assert.Equal(t, "step finished", record["msg"])
}

func TestCorrelationHandler_NoIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "plain")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	_, hasRun := record["run_id"]
	_, hasStep := record["step"]
	assert.False(t, hasRun)
	assert.False(t, hasStep)
}

func TestCorrelationHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	base := NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))
	logger := slog.New(base).With(slog.String("component", "engine")).WithGroup("detail")

	ctx := WithRunID(context.Background(), "run-7")
	logger.InfoContext(ctx, "grouped", slog.Int("attempt", 2))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "engine", record["component"])
	detail, ok := record["detail"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, detail["attempt"])
}
