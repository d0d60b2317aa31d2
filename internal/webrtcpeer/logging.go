package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// LoggerFactory hands pion components slog loggers tagged with their scope.
// Pion's trace level is dropped.
type LoggerFactory struct {
	logger *slog.Logger
}

func NewLoggerFactory(logger *slog.Logger) *LoggerFactory {
	return &LoggerFactory{logger: logger}
}

func (f *LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return leveledLogger{log: f.logger.With("component", "pion", "scope", scope)}
}

type leveledLogger struct {
	log *slog.Logger
}

func (l leveledLogger) logf(level slog.Level, format string, args ...any) {
	if !l.log.Enabled(context.Background(), level) {
		return
	}
	l.log.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l leveledLogger) Trace(string)          {}
func (l leveledLogger) Tracef(string, ...any) {}

func (l leveledLogger) Debug(msg string) { l.log.Debug(msg) }
func (l leveledLogger) Debugf(format string, args ...any) {
	l.logf(slog.LevelDebug, format, args...)
}

func (l leveledLogger) Info(msg string) { l.log.Info(msg) }
func (l leveledLogger) Infof(format string, args ...any) {
	l.logf(slog.LevelInfo, format, args...)
}

func (l leveledLogger) Warn(msg string) { l.log.Warn(msg) }
func (l leveledLogger) Warnf(format string, args ...any) {
	l.logf(slog.LevelWarn, format, args...)
}

func (l leveledLogger) Error(msg string) { l.log.Error(msg) }
func (l leveledLogger) Errorf(format string, args ...any) {
	l.logf(slog.LevelError, format, args...)
}
