package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBuffered(t *testing.T, cfg Config) (*Logger, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	cfg.writer = out
	l, err := New(&cfg)
	require.NoError(t, err)
	return l, out
}

func jsonLines(t *testing.T, out *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		entries = append(entries, entry)
	}
	return entries
}

func TestNew_LevelFiltering(t *testing.T) {
	tests := []struct {
		level string
		want  []string
	}{
		{level: "debug", want: []string{"DEBUG", "INFO", "WARN", "ERROR"}},
		{level: "info", want: []string{"INFO", "WARN", "ERROR"}},
		{level: "warning", want: []string{"WARN", "ERROR"}},
		{level: "error", want: []string{"ERROR"}},
		{level: "verbose", want: []string{"INFO", "WARN", "ERROR"}},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			l, out := newBuffered(t, Config{Level: tt.level, Format: "json"})

			l.Debug("Polling for jobs")
			l.Info("Job claimed", slog.String("job_id", "j-1"))
			l.Warn("Heartbeat late")
			l.Error("Lease lost")

			var got []string
			for _, entry := range jsonLines(t, out) {
				got = append(got, entry["level"].(string))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLogger_Component(t *testing.T) {
	l, out := newBuffered(t, Config{Level: "info", Format: "json"})

	reaper := l.Component("reaper")
	reaper.Info("Reclaimed expired leases", slog.Int("count", 3))
	l.Component("notify").With(slog.String("sink", "amqp")).Warn("Delivery failed")
	l.Info("Worker started")

	entries := jsonLines(t, out)
	require.Len(t, entries, 3)

	assert.Equal(t, "reaper", entries[0]["component"])
	assert.Equal(t, float64(3), entries[0]["count"])

	assert.Equal(t, "notify", entries[1]["component"])
	assert.Equal(t, "amqp", entries[1]["sink"])
	assert.NotContains(t, entries[1], "count")

	assert.NotContains(t, entries[2], "component", "root logger stays untagged")
}

func TestNew_ConsoleColors(t *testing.T) {
	tests := []struct {
		name      string
		noColor   bool
		wantColor bool
	}{
		{name: "colored", noColor: false, wantColor: true},
		{name: "plain", noColor: true, wantColor: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, out := newBuffered(t, Config{
				Level:      "info",
				Format:     "console",
				TimeFormat: time.Kitchen,
				NoColor:    tt.noColor,
			})

			l.Component("worker").Warn("Claim failed", slog.Int("failures", 2))

			line := out.String()
			assert.Contains(t, line, "WRN")
			assert.Contains(t, line, "Claim failed")
			assert.Contains(t, line, "component=")
			assert.Contains(t, line, "worker")
			assert.Equal(t, tt.wantColor, strings.Contains(line, "\x1b["))
		})
	}
}

func TestNew_Source(t *testing.T) {
	l, out := newBuffered(t, Config{Level: "info", Format: "json", EnableSource: true})

	l.Info("Migrations applied")

	entries := jsonLines(t, out)
	require.Len(t, entries, 1)
	source, ok := entries[0]["source"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, source["file"], "logger_test.go")
}

func TestNew_UnknownFormatFallsBackToJSON(t *testing.T) {
	l, out := newBuffered(t, Config{Format: "logfmt"})

	l.Info("Job submitted", slog.String("kind", "sweep"))

	entries := jsonLines(t, out)
	require.Len(t, entries, 1)
	assert.Equal(t, "sweep", entries[0]["kind"])
}

func TestLogger_GroupAndAttrs(t *testing.T) {
	l, out := newBuffered(t, Config{Level: "info", Format: "json"})

	l.WithAttrs(slog.String("worker_id", "host-1")).
		With("attempt", 2).
		WithGroup("job").
		Info("Job started", slog.String("kind", "backup"))

	entries := jsonLines(t, out)
	require.Len(t, entries, 1)
	assert.Equal(t, "host-1", entries[0]["worker_id"])
	assert.Equal(t, float64(2), entries[0]["attempt"])
	job, ok := entries[0]["job"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "backup", job["kind"])
}

func TestNewDefault(t *testing.T) {
	l := NewDefault()
	require.NotNil(t, l.Logger)
	assert.NoError(t, l.Close())
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")

	l, err := New(&Config{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	l.Component("reaper").Info("Reclaimed expired leases", slog.Int("count", 2))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "reaper", entry["component"])
	assert.Equal(t, float64(2), entry["count"])
}

func TestNew_FileOutputError(t *testing.T) {
	l, err := New(&Config{Output: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	require.Error(t, err)
	assert.Nil(t, l)
}
