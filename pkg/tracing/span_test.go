package tracing

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

func TestSpanTreeReport(t *testing.T) {
	ctx, root := StartTrace(context.Background(), "search", "req-1")
	root.Set("query", "level:ERROR")
	root.Set("query", "level:WARN")
	cctx, exec := Start(ctx, "execute")
	_, count := Start(cctx, "count")
	time.Sleep(time.Millisecond)
	count.End()
	exec.End()
	d := root.End()
	assert.Equal(t, d, root.End())

	assert.Equal(t, root, FromContext(ctx))
	assert.Equal(t, "req-1", count.TraceID())
	assert.True(t, root.Duration() >= exec.Duration())

	var buf bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	root.Report(ctx, l, 0)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "trace search", rec["msg"])
	assert.Equal(t, "DEBUG", rec["level"])
	assert.Equal(t, "level:WARN", rec["query"])
	assert.Equal(t, "req-1", rec["trace_id"])
	spans := rec["spans"].(map[string]any)
	assert.Contains(t, spans, "search")
	assert.Contains(t, spans, "search/execute")
	assert.Contains(t, spans, "search/execute/count")
}

func TestSlowTraceIsWarned(t *testing.T) {
	ctx, root := StartTrace(context.Background(), "search", "req-2")
	time.Sleep(2 * time.Millisecond)
	root.End()

	var buf bytes.Buffer
	root.Report(ctx, slog.New(slog.NewJSONHandler(&buf, nil)), time.Millisecond)
	assert.Contains(t, buf.String(), `"msg":"slow search"`)

	buf.Reset()
	root.Report(ctx, slog.New(slog.NewJSONHandler(&buf, nil)), time.Hour)
	assert.Empty(t, buf.String())
}

func TestStartWithoutParent(t *testing.T) {
	_, s := Start(context.Background(), "alone")
	assert.Empty(t, s.TraceID())
	assert.Equal(t, "alone", s.Name())
	assert.Nil(t, FromContext(context.Background()))
}
