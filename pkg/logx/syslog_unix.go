//go:build !windows

package logx

import (
	"fmt"
	"log/syslog"
)

// EnableSyslog mirrors every entry into the local syslog daemon (logread on RutOS/OpenWrt)
func (l *Logger) EnableSyslog(tag string) error {
	syslogger, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, tag)
	if err != nil {
		return fmt.Errorf("failed to connect to syslog: %w", err)
	}
	l.out.mu.Lock()
	l.out.syslogger = syslogger
	l.out.mu.Unlock()
	return nil
}

// logToSyslog sends a log entry to syslog; the caller holds l.out.mu
func (l *Logger) logToSyslog(level LogLevel, message string) {
	switch level {
	case DebugLevel:
		_ = l.out.syslogger.Debug(message)
	case InfoLevel:
		_ = l.out.syslogger.Info(message)
	case WarnLevel:
		_ = l.out.syslogger.Warning(message)
	case ErrorLevel:
		_ = l.out.syslogger.Err(message)
	}
}
