// Package logger is the process-wide leveled logger. Lines go to stdout, a
// rotating file once Init has run, and every live subscriber.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the severity level of a log message.
type LogLevel string

const (
	Debug LogLevel = "DEBUG"
	Info  LogLevel = "INFO"
	Warn  LogLevel = "WARN"
	Error LogLevel = "ERROR"
)

var priorities = map[LogLevel]int{Debug: 0, Info: 1, Warn: 2, Error: 3}

// LogEntry is one log line as delivered to subscribers.
type LogEntry struct {
	Timestamp string   `json:"timestamp"`
	Level     LogLevel `json:"level"`
	Message   string   `json:"message"`
}

// subscriberBuffer is the per-subscriber backlog; slow subscribers lose lines.
const subscriberBuffer = 100

var (
	mu         sync.Mutex
	minLevel   = Info
	listeners  []chan LogEntry
	fileLogger *lumberjack.Logger
)

func init() {
	log.SetOutput(os.Stdout)
	log.SetFlags(0)
}

// Init adds a rotating log file under logDir. Call after config is loaded.
func Init(logDir string) {
	if err := os.MkdirAll(logDir, 0700); err != nil {
		log.Printf("Failed to create log directory: %v", err)
		return
	}

	mu.Lock()
	fileLogger = &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "panoguard.log"),
		MaxSize:    100, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	mu.Unlock()

	log.SetOutput(io.MultiWriter(os.Stdout, fileLogger))
}

// GetLogDir returns the directory of the rotating log file, or "" before Init.
func GetLogDir() string {
	mu.Lock()
	defer mu.Unlock()
	if fileLogger == nil {
		return ""
	}
	return filepath.Dir(fileLogger.Filename)
}

// SetLevel sets the minimum level. Unknown values select info.
func SetLevel(level string) {
	next := Info
	switch level {
	case "debug":
		next = Debug
	case "warn":
		next = Warn
	case "error":
		next = Error
	}
	mu.Lock()
	minLevel = next
	mu.Unlock()
	log.Printf("Log level set to: %s", next)
}

// Subscribe returns a channel receiving every subsequent log entry.
func Subscribe() chan LogEntry {
	ch := make(chan LogEntry, subscriberBuffer)
	mu.Lock()
	listeners = append(listeners, ch)
	mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func Unsubscribe(ch chan LogEntry) {
	mu.Lock()
	defer mu.Unlock()
	for i, l := range listeners {
		if l == ch {
			listeners = append(listeners[:i], listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// Log writes a formatted message at the given level.
func Log(level LogLevel, format string, v ...interface{}) {
	mu.Lock()
	threshold := minLevel
	mu.Unlock()
	if priorities[level] < priorities[threshold] {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().Format(time.RFC3339),
		Level:     level,
		Message:   fmt.Sprintf(format, v...),
	}
	log.Printf("%s [%s] %s", entry.Timestamp, entry.Level, entry.Message)

	mu.Lock()
	for _, ch := range listeners {
		select {
		case ch <- entry:
		default:
		}
	}
	mu.Unlock()
}

// Debugf logs at DEBUG level.
func Debugf(format string, v ...interface{}) { Log(Debug, format, v...) }

// Infof logs at INFO level.
func Infof(format string, v ...interface{}) { Log(Info, format, v...) }

// Warnf logs at WARN level.
func Warnf(format string, v ...interface{}) { Log(Warn, format, v...) }

// Errorf logs at ERROR level.
func Errorf(format string, v ...interface{}) { Log(Error, format, v...) }
