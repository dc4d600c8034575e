package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// Logger is a leveled logger instance. Components receive one through their
// constructors; there is no package-level default.
type Logger struct {
	level LogLevel
	mu    sync.RWMutex
	out   *log.Logger
}

// New creates a new Logger writing to out with the specified level.
// A nil writer means stdout.
func New(level string, out io.Writer) *Logger {
	if out == nil {
		out = os.Stdout
	}
	return &Logger{
		level: ParseLogLevel(level),
		out:   log.New(out, "[LANMEDIA] ", log.LstdFlags),
	}
}

// Discard returns a logger that drops everything, handy for tests.
func Discard() *Logger {
	return &Logger{level: ERROR + 1, out: log.New(io.Discard, "", 0)}
}

// ParseLogLevel converts string to LogLevel
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// SetLevel sets this logger instance's level
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = ParseLogLevel(level)
}

// GetLevel returns this logger instance's level as string
func (l *Logger) GetLevel() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	switch l.level {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "OFF"
	}
}

// IsDebug reports whether debug output is enabled, for callers that want to
// skip building expensive log arguments.
func (l *Logger) IsDebug() bool {
	return l.shouldLog(DEBUG)
}

func (l *Logger) shouldLog(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

func (l *Logger) logMessage(level string, format string, v ...interface{}) {
	l.out.Printf("[%s] %s", level, fmt.Sprintf(format, v...))
}

// Debug logs debug level messages
func (l *Logger) Debug(format string, v ...interface{}) {
	if l.shouldLog(DEBUG) {
		l.logMessage("DEBUG", format, v...)
	}
}

// Info logs info level messages
func (l *Logger) Info(format string, v ...interface{}) {
	if l.shouldLog(INFO) {
		l.logMessage("INFO", format, v...)
	}
}

// Warn logs warning level messages
func (l *Logger) Warn(format string, v ...interface{}) {
	if l.shouldLog(WARN) {
		l.logMessage("WARN", format, v...)
	}
}

// Error logs error level messages
func (l *Logger) Error(format string, v ...interface{}) {
	if l.shouldLog(ERROR) {
		l.logMessage("ERROR", format, v...)
	}
}
