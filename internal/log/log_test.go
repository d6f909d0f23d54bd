package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/CZERTAINLY/Lookout/internal/log"
	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, false, "json")

	ctx := log.ContextAttrs(t.Context(), slog.String("image", "nginx:1.25"))
	base := log.ContextAttrs(ctx, slog.String("stage", "pull"))
	other := log.ContextAttrs(ctx, slog.String("stage", "scan"))

	logger.InfoContext(base, "first")
	logger.InfoContext(other, "second")
	logger.DebugContext(other, "hidden")

	dec := json.NewDecoder(&buf)
	var first, second map[string]any
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))
	require.False(t, dec.More())

	require.Equal(t, "first", first["msg"])
	require.Equal(t, "nginx:1.25", first["image"])
	require.Equal(t, "pull", first["stage"])
	require.Equal(t, "second", second["msg"])
	require.Equal(t, "scan", second["stage"])
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, true, "text").With("component", "test")
	logger.DebugContext(log.ContextAttrs(t.Context(), slog.Int("n", 1)), "hello")
	require.Contains(t, buf.String(), "level=DEBUG")
	require.Contains(t, buf.String(), "component=test")
	require.Contains(t, buf.String(), "n=1")
}
