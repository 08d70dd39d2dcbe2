package logging

import (
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// Log levels, ordered. The configured level suppresses everything below it.
const (
	LevelDebug = iota
	LevelInfo
	LevelWarn
	LevelError
)

var level atomic.Int32

func init() {
	if os.Getenv("DEBUG") == "true" {
		level.Store(LevelDebug)
	} else {
		level.Store(LevelInfo)
	}
}

// SetLevel sets the minimum level by name (debug, info, warn, error).
// Unknown names leave the level unchanged.
func SetLevel(name string) {
	switch strings.ToLower(name) {
	case "debug":
		level.Store(LevelDebug)
	case "info":
		level.Store(LevelInfo)
	case "warn":
		level.Store(LevelWarn)
	case "error":
		level.Store(LevelError)
	}
}

// SetOutput redirects all log output, e.g. to a file sink or stderr.
func SetOutput(w io.Writer) {
	log.SetOutput(w)
}

// Info logs an informational message
func Info(subsystem, format string, args ...any) {
	if level.Load() <= LevelInfo {
		log.Printf("[%s] "+format, append([]any{subsystem}, args...)...)
	}
}

// Warn logs a warning message
func Warn(subsystem, format string, args ...any) {
	if level.Load() <= LevelWarn {
		log.Printf("[%s] WARN: "+format, append([]any{subsystem}, args...)...)
	}
}

// Error logs an error message (always shown)
func Error(subsystem, format string, args ...any) {
	log.Printf("[%s] ERROR: "+format, append([]any{subsystem}, args...)...)
}

// Debug logs a debug message (only shown if DEBUG=true or level is debug)
func Debug(subsystem, format string, args ...any) {
	if level.Load() <= LevelDebug {
		log.Printf("[%s] "+format, append([]any{subsystem}, args...)...)
	}
}

// Truncate truncates a string to maxLen and adds ellipsis
func Truncate(s string, maxLen int) string {
	// Replace newlines with spaces for one-line logs
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
