package logging

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Category groups log entries by subsystem.
type Category string

const (
	CatSystem    Category = "system"
	CatCard      Category = "card"
	CatDecode    Category = "decode"
	CatHTTP      Category = "http"
	CatWebSocket Category = "websocket"
	CatRecords   Category = "records"
	CatPrint     Category = "print"
	CatSerial    Category = "serial"
)

// Entry is a single buffered log entry, served over /v1/logs.
type Entry struct {
	Time     time.Time      `json:"time"`
	Level    string         `json:"level"`
	Category Category       `json:"category"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
}

var (
	mu       sync.RWMutex
	buffer   []Entry
	capacity int
	minLevel Level
	zl       zerolog.Logger
)

// Init configures the in-memory ring buffer and the console logger.
// Must be called once at startup before any logging.
func Init(bufferSize int, level Level) {
	mu.Lock()
	defer mu.Unlock()

	if bufferSize <= 0 {
		bufferSize = 1000
	}
	capacity = bufferSize
	buffer = make([]Entry, 0, capacity)
	minLevel = level

	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	zl = zerolog.New(out).With().Timestamp().Logger()
}

// SetLevel changes the minimum level at runtime.
func SetLevel(level Level) {
	mu.Lock()
	minLevel = level
	mu.Unlock()
}

func log(level Level, cat Category, msg string, fields map[string]any) {
	mu.Lock()
	if level < minLevel {
		mu.Unlock()
		return
	}

	entry := Entry{
		Time:     time.Now(),
		Level:    level.String(),
		Category: cat,
		Message:  msg,
		Fields:   fields,
	}

	if len(buffer) >= capacity && capacity > 0 {
		// Drop the oldest entry
		copy(buffer, buffer[1:])
		buffer = buffer[:len(buffer)-1]
	}
	buffer = append(buffer, entry)

	ev := consoleEvent(level)
	mu.Unlock()

	ev = ev.Str("cat", string(cat))
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

func consoleEvent(level Level) *zerolog.Event {
	switch level {
	case LevelDebug:
		return zl.Debug()
	case LevelWarn:
		return zl.Warn()
	case LevelError:
		return zl.Error()
	default:
		return zl.Info()
	}
}

// Debug logs a debug-level entry.
func Debug(cat Category, msg string, fields map[string]any) {
	log(LevelDebug, cat, msg, fields)
}

// Info logs an info-level entry.
func Info(cat Category, msg string, fields map[string]any) {
	log(LevelInfo, cat, msg, fields)
}

// Warn logs a warning-level entry.
func Warn(cat Category, msg string, fields map[string]any) {
	log(LevelWarn, cat, msg, fields)
}

// Error logs an error-level entry.
func Error(cat Category, msg string, fields map[string]any) {
	log(LevelError, cat, msg, fields)
}

// GetLogs returns up to limit buffered entries, newest last.
// limit <= 0 returns everything in the buffer.
func GetLogs(limit int, cat Category) []Entry {
	mu.RLock()
	defer mu.RUnlock()

	var out []Entry
	for _, e := range buffer {
		if cat != "" && e.Category != cat {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}

	// Copy so callers can't mutate the buffer
	result := make([]Entry, len(out))
	copy(result, out)
	return result
}

// Clear empties the ring buffer. Used by tests.
func Clear() {
	mu.Lock()
	buffer = buffer[:0]
	mu.Unlock()
}
