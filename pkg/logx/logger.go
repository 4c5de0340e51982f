// Package logx provides structured logging for the rfloc daemon
package logx

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the logging level
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// syslogWriter is the subset of *syslog.Writer the logger mirrors into.
type syslogWriter interface {
	Debug(m string) error
	Info(m string) error
	Warning(m string) error
	Err(m string) error
	Close() error
}

// output is shared between a logger and the children created by With.
type output struct {
	mu        sync.Mutex
	w         io.Writer
	syslogger syslogWriter
}

// Logger provides structured JSON logging
type Logger struct {
	level  LogLevel
	out    *output
	fields []interface{}
	now    func() time.Time
}

// New creates a new structured logger writing to stdout
func New(levelStr string) *Logger {
	return NewWithWriter(levelStr, os.Stdout)
}

// NewWithWriter creates a logger writing JSON lines to w
func NewWithWriter(levelStr string, w io.Writer) *Logger {
	return &Logger{
		level: parseLevel(levelStr),
		out:   &output{w: w},
		now:   time.Now,
	}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{level: ErrorLevel + 1, out: &output{w: io.Discard}, now: time.Now}
}

// parseLevel converts string to LogLevel
func parseLevel(levelStr string) LogLevel {
	switch strings.ToLower(levelStr) {
	case "debug", "trace":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// levelString converts LogLevel to string
func levelString(level LogLevel) string {
	switch level {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}

// With returns a child logger that adds keysAndValues to every entry
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	fields := make([]interface{}, 0, len(l.fields)+len(keysAndValues))
	fields = append(fields, l.fields...)
	fields = append(fields, keysAndValues...)
	return &Logger{level: l.level, out: l.out, fields: fields, now: l.now}
}

// Level reports the minimum level that is emitted
func (l *Logger) Level() LogLevel {
	return l.level
}

// Close releases the syslog connection if one was opened
func (l *Logger) Close() error {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	if l.out.syslogger == nil {
		return nil
	}
	err := l.out.syslogger.Close()
	l.out.syslogger = nil
	return err
}

// log outputs a structured log entry
func (l *Logger) log(level LogLevel, msg string, keysAndValues ...interface{}) {
	if level < l.level {
		return
	}

	entry := map[string]interface{}{
		"ts":    l.now().UTC().Format(time.RFC3339),
		"level": levelString(level),
		"msg":   msg,
	}
	addFields(entry, l.fields)
	addFields(entry, keysAndValues)

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		jsonBytes = []byte(fmt.Sprintf(`{"level":"error","msg":"LOG_ERROR: failed to marshal log entry: %v"}`, err))
	}

	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	_, _ = l.out.w.Write(append(jsonBytes, '\n'))
	if l.out.syslogger != nil {
		l.logToSyslog(level, string(jsonBytes))
	}
}

// addFields parses key-value pairs into entry. Errors are rendered as strings
// since encoding/json turns them into empty objects.
func addFields(entry map[string]interface{}, keysAndValues []interface{}) {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key := fmt.Sprintf("%v", keysAndValues[i])
		switch v := keysAndValues[i+1].(type) {
		case error:
			entry[key] = v.Error()
		case fmt.Stringer:
			entry[key] = v.String()
		default:
			entry[key] = v
		}
	}
	if len(keysAndValues)%2 == 1 {
		entry["!BADKEY"] = fmt.Sprintf("%v", keysAndValues[len(keysAndValues)-1])
	}
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.log(DebugLevel, msg, keysAndValues...)
}

// Info logs an info message
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.log(InfoLevel, msg, keysAndValues...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.log(WarnLevel, msg, keysAndValues...)
}

// Error logs an error message
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.log(ErrorLevel, msg, keysAndValues...)
}
