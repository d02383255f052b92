package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLoggerWritesFileHandler(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	logFile := filepath.Join(t.TempDir(), "hub.log")
	InitLogger(false, logFile)
	slog.Info("Hub started", "listen", "127.0.0.1:8321")
	slog.Debug("hidden at info level")

	raw, err := os.ReadFile(logFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "Hub started", entry["msg"])
	assert.Equal(t, "127.0.0.1:8321", entry["listen"])
}

func TestInitLoggerDebugLevel(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	logFile := filepath.Join(t.TempDir(), "hub.log")
	InitLogger(true, logFile)
	slog.Debug("visible in debug")

	raw, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "visible in debug")
}

func TestMultiHandlerFansOut(t *testing.T) {
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&a, nil),
		slog.NewJSONHandler(&b, nil),
	}}
	logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("component", "test")}))
	logger.Info("fan out")

	assert.Contains(t, a.String(), "fan out")
	assert.Contains(t, b.String(), "fan out")
	assert.Contains(t, a.String(), "component")
	assert.True(t, h.Enabled(context.Background(), slog.LevelInfo))
}

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(EventsPublished.WithLabelValues("state_changed"))
	EventsPublished.WithLabelValues("state_changed").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(EventsPublished.WithLabelValues("state_changed")))

	ChatsRunning.Set(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(ChatsRunning))
}
