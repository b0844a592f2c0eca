package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/CZERTAINLY/svcman/internal/log"
	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(&buf, false)

	ctx := log.ServiceAttrs(t.Context(), "svc-a")
	ctx = log.ContextAttrs(ctx, slog.String("cmd", "run"))
	logger.InfoContext(ctx, "started")
	logger.DebugContext(ctx, "not printed")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "started", rec["msg"])
	require.Equal(t, "svc-a", rec["service_id"])
	require.Equal(t, "run", rec["cmd"])
}

func TestContextAttrsDoNotLeak(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(&buf, true)

	parent := log.ContextAttrs(context.Background(), slog.String("a", "1"))
	_ = log.ContextAttrs(parent, slog.String("b", "2"))
	logger.DebugContext(parent, "parent")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "1", rec["a"])
	require.NotContains(t, rec, "b")
}

func TestWithAttrsKeepsContext(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(&buf, false).With("component", "download")

	ctx := log.ServiceAttrs(t.Context(), "svc-b")
	logger.InfoContext(ctx, "hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "download", rec["component"])
	require.Equal(t, "svc-b", rec["service_id"])
}
