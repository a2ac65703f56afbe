package api

import (
	"archive/zip"
	"bufio"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mescon/panoguard/internal/logger"
)

const (
	logFileName       = "panoguard.log"
	defaultRecentLogs = 100
	maxRecentLogs     = 1000
)

func (s *RESTServer) handleDownloadLogs(c *gin.Context) {
	logDir := s.logDir()
	if logDir == "" {
		respondServiceUnavailable(c, "Log file")
		return
	}

	c.Header("Content-Disposition", "attachment; filename=panoguard_logs.zip")
	c.Header("Content-Type", "application/zip")

	zipWriter := zip.NewWriter(c.Writer)
	defer zipWriter.Close()

	err := filepath.Walk(logDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		// Use .txt extension for Windows compatibility
		baseName := filepath.Base(path)
		if strings.HasSuffix(baseName, ".log") {
			baseName = strings.TrimSuffix(baseName, ".log") + ".txt"
		}
		header.Name = baseName
		header.Method = zip.Deflate

		writer, err := zipWriter.CreateHeader(header)
		if err != nil {
			return err
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(writer, file)
		return err
	})
	if err != nil {
		logger.Errorf("Failed to zip logs: %v", err)
	}
}

// handleRecentLogs returns the last ?lines= entries of the current log file.
func (s *RESTServer) handleRecentLogs(c *gin.Context) {
	n := parseInt(c.Query("lines"), defaultRecentLogs)
	if n < 1 || n > maxRecentLogs {
		n = defaultRecentLogs
	}

	entries := make([]logger.LogEntry, 0, n)
	logDir := s.logDir()
	if logDir == "" {
		c.JSON(http.StatusOK, entries)
		return
	}

	file, err := os.Open(filepath.Join(logDir, logFileName))
	if err != nil {
		// If log file doesn't exist yet, return empty array
		if os.IsNotExist(err) {
			c.JSON(http.StatusOK, entries)
			return
		}
		respondWithError(c, http.StatusInternalServerError, "Failed to read log file", err)
		return
	}
	defer file.Close()

	// Ring of the last n lines
	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if len(ring) == n {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		respondWithError(c, http.StatusInternalServerError, "Failed to scan log file", err)
		return
	}

	for _, line := range ring {
		if entry, ok := parseLogLine(line); ok {
			entries = append(entries, entry)
		}
	}
	c.JSON(http.StatusOK, entries)
}

// parseLogLine splits "timestamp [LEVEL] message".
func parseLogLine(line string) (logger.LogEntry, bool) {
	if strings.TrimSpace(line) == "" {
		return logger.LogEntry{}, false
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 3 || !strings.HasPrefix(parts[1], "[") || !strings.HasSuffix(parts[1], "]") {
		return logger.LogEntry{}, false
	}
	return logger.LogEntry{
		Timestamp: parts[0],
		Level:     logger.LogLevel(strings.Trim(parts[1], "[]")),
		Message:   parts[2],
	}, true
}
