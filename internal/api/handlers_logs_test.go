package api

import (
	"archive/zip"
	"bytes"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mescon/panoguard/internal/logger"
)

func writeLogFile(t *testing.T, dir, name string, lines ...string) {
	t.Helper()
	content := strings.Join(lines, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0600))
}

func withLogDir(ts *testServer, dir string) {
	ts.server.logDir = func() string { return dir }
}

func TestHandleRecentLogs(t *testing.T) {
	ts := newTestServer(t)
	dir := t.TempDir()
	withLogDir(ts, dir)

	writeLogFile(t, dir, logFileName,
		"2026-01-02T10:00:00Z [INFO] Server started",
		"",
		"garbage without level",
		"2026-01-02T10:00:01Z [WARN] Scan of map 1 (availability) ended with aborted: client gone",
	)

	w := ts.do(t, http.MethodGet, "/api/logs/recent", ts.rootToken, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var entries []logger.LogEntry
	decodeJSON(t, w, &entries)
	require.Len(t, entries, 2)
	assert.Equal(t, logger.Info, entries[0].Level)
	assert.Equal(t, "Server started", entries[0].Message)
	assert.Equal(t, logger.Warn, entries[1].Level)
	assert.Equal(t, "2026-01-02T10:00:01Z", entries[1].Timestamp)
}

func TestHandleRecentLogs_KeepsTail(t *testing.T) {
	ts := newTestServer(t)
	dir := t.TempDir()
	withLogDir(ts, dir)

	lines := make([]string, 250)
	for i := range lines {
		lines[i] = fmt.Sprintf("2026-01-02T10:00:00Z [DEBUG] line %d", i)
	}
	writeLogFile(t, dir, logFileName, lines...)

	var entries []logger.LogEntry
	w := ts.do(t, http.MethodGet, "/api/logs/recent", ts.rootToken, nil)
	decodeJSON(t, w, &entries)
	require.Len(t, entries, defaultRecentLogs)
	assert.Equal(t, "line 150", entries[0].Message)
	assert.Equal(t, "line 249", entries[len(entries)-1].Message)

	w = ts.do(t, http.MethodGet, "/api/logs/recent?lines=5", ts.rootToken, nil)
	decodeJSON(t, w, &entries)
	require.Len(t, entries, 5)
	assert.Equal(t, "line 245", entries[0].Message)
}

func TestHandleRecentLogs_NoFile(t *testing.T) {
	ts := newTestServer(t)
	withLogDir(ts, t.TempDir())

	w := ts.do(t, http.MethodGet, "/api/logs/recent", ts.rootToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	withLogDir(ts, "")
	w = ts.do(t, http.MethodGet, "/api/logs/recent", ts.rootToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestLogs_RootOnly(t *testing.T) {
	ts := newTestServer(t)
	withLogDir(ts, t.TempDir())

	for _, path := range []string{"/api/logs/recent", "/api/logs/download"} {
		w := ts.do(t, http.MethodGet, path, ts.ownerToken, nil)
		assert.Equal(t, http.StatusForbidden, w.Code, path)
	}
}

func TestHandleDownloadLogs(t *testing.T) {
	ts := newTestServer(t)
	dir := t.TempDir()
	withLogDir(ts, dir)

	writeLogFile(t, dir, logFileName, "current")
	writeLogFile(t, dir, "panoguard-2026-01-01T00-00-00.000.log", "rotated")

	w := ts.do(t, http.MethodGet, "/api/logs/download", ts.rootToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))

	zr, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
	require.NoError(t, err)

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"panoguard.txt", "panoguard-2026-01-01T00-00-00.000.txt"}, names)
}

func TestHandleDownloadLogs_NoLogDir(t *testing.T) {
	ts := newTestServer(t)
	withLogDir(ts, "")

	w := ts.do(t, http.MethodGet, "/api/logs/download", ts.rootToken, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestParseLogLine(t *testing.T) {
	tests := []struct {
		line string
		ok   bool
	}{
		{"2026-01-02T10:00:00Z [ERROR] boom", true},
		{"2026-01-02T10:00:00Z [INFO] message with [brackets] inside", true},
		{"", false},
		{"   ", false},
		{"no level here at all", false},
		{"ts [INFO]", false},
	}
	for _, tt := range tests {
		_, ok := parseLogLine(tt.line)
		assert.Equal(t, tt.ok, ok, "parseLogLine(%q)", tt.line)
	}
}
