package logger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/h1core/internal/config"
)

// readLogLines parses every JSON line in data.
func readLogLines(t *testing.T, data []byte) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func fileLoggingConfig(dir string, level config.LogLevel) *config.LoggingConfig {
	return &config.LoggingConfig{
		LogLevel:  level,
		AccessLog: &config.AccessLogConfig{Enabled: boolPtr(true), Target: strPtr(filepath.Join(dir, "access.log")), Format: "json"},
		ErrorLog:  &config.ErrorLogConfig{Target: strPtr(filepath.Join(dir, "error.log"))},
	}
}

func TestNewLogger_NilConfig(t *testing.T) {
	_, err := NewLogger(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging configuration cannot be nil")
}

func TestLogger_LevelsAndFields(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(fileLoggingConfig(dir, config.LogLevelInfo))
	require.NoError(t, err)
	defer l.CloseLogFiles()

	l.Debug("dropped below threshold", nil)
	l.Info("connection accepted", LogFields{"conn_id": 7, "remote_addr": "127.0.0.1:5000"})
	l.Warn("heartbeat slow")
	l.Error("accept failed", LogFields{"error": "boom"}, LogFields{"listener": ":8080"})

	data, err := os.ReadFile(filepath.Join(dir, "error.log"))
	require.NoError(t, err)
	lines := readLogLines(t, data)
	require.Len(t, lines, 3)

	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "connection accepted", lines[0]["message"])
	assert.Equal(t, float64(7), lines[0]["conn_id"])
	assert.Equal(t, "127.0.0.1:5000", lines[0]["remote_addr"])
	assert.Contains(t, lines[0], "time")

	assert.Equal(t, "warn", lines[1]["level"])
	assert.Equal(t, "error", lines[2]["level"])
	assert.Equal(t, "boom", lines[2]["error"])
	assert.Equal(t, ":8080", lines[2]["listener"])

	assert.False(t, l.Enabled(config.LogLevelDebug))
	assert.True(t, l.Enabled(config.LogLevelWarning))
}

func TestLogger_Access(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(fileLoggingConfig(dir, config.LogLevelError))
	require.NoError(t, err)
	defer l.CloseLogFiles()

	l.Access(AccessEntry{
		ConnectionID:  3,
		RemoteAddr:    "10.0.0.1:4242",
		Method:        "POST",
		Target:        "/echo",
		Proto:         "HTTP/1.1",
		Status:        200,
		RequestBytes:  11,
		ResponseBytes: 11,
		Duration:      1500 * time.Millisecond,
		UserAgent:     "curl/8.0",
	})

	data, err := os.ReadFile(filepath.Join(dir, "access.log"))
	require.NoError(t, err)
	lines := readLogLines(t, data)
	require.Len(t, lines, 1)
	e := lines[0]
	assert.Equal(t, float64(3), e["conn_id"])
	assert.Equal(t, "POST", e["method"])
	assert.Equal(t, "/echo", e["uri"])
	assert.Equal(t, float64(200), e["status"])
	assert.Equal(t, float64(1500), e["duration_ms"])
	assert.Equal(t, "curl/8.0", e["user_agent"])
	assert.NotContains(t, e, "upgraded")
}

func TestLogger_AccessDisabled(t *testing.T) {
	dir := t.TempDir()
	cfg := fileLoggingConfig(dir, config.LogLevelInfo)
	cfg.AccessLog.Enabled = boolPtr(false)
	l, err := NewLogger(cfg)
	require.NoError(t, err)
	defer l.CloseLogFiles()

	l.Access(AccessEntry{Method: "GET"})
	_, err = os.Stat(filepath.Join(dir, "access.log"))
	assert.True(t, os.IsNotExist(err), "access log must not be created when disabled")
}

func TestLogger_ReopenLogFiles(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(fileLoggingConfig(dir, config.LogLevelInfo))
	require.NoError(t, err)
	defer l.CloseLogFiles()

	errPath := filepath.Join(dir, "error.log")
	l.Info("before rotation")
	require.NoError(t, os.Rename(errPath, errPath+".1"))

	require.NoError(t, l.ReopenLogFiles())
	l.Info("after rotation")

	rotated, err := os.ReadFile(errPath + ".1")
	require.NoError(t, err)
	fresh, err := os.ReadFile(errPath)
	require.NoError(t, err)

	assert.Contains(t, string(rotated), "before rotation")
	assert.NotContains(t, string(rotated), "after rotation")
	assert.Contains(t, string(fresh), "after rotation")
}

func TestLogger_OpenFailure(t *testing.T) {
	cfg := &config.LoggingConfig{
		LogLevel: config.LogLevelInfo,
		ErrorLog: &config.ErrorLogConfig{Target: strPtr(filepath.Join(t.TempDir(), "missing", "dir", "error.log"))},
	}
	_, err := NewLogger(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open log file")
}

func TestNewTestLoggerAndNop(t *testing.T) {
	var buf bytes.Buffer
	l := NewTestLogger(&buf)
	l.Debug("visible", LogFields{"k": "v"})
	lines := readLogLines(t, buf.Bytes())
	require.Len(t, lines, 1)
	assert.Equal(t, "debug", lines[0]["level"])

	nop := NewNopLogger()
	nop.Error("nothing", LogFields{"k": "v"})
	nop.Access(AccessEntry{})
	assert.NoError(t, nop.ReopenLogFiles())
}
