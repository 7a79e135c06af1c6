// Package logger provides the logging abstraction used across the client.
// The default implementation is backed by log/slog; a zerolog-backed
// implementation lives in the zerolog subpackage.
package logger

import (
	"log/slog"
)

// Logger accepts a message and alternating key/value pairs, slog style.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

// SlogLogger adapts a slog.Handler to the Logger interface.
type SlogLogger struct {
	logger *slog.Logger
}

// New wraps the given slog handler into a Logger.
func New(h slog.Handler) *SlogLogger {
	return &SlogLogger{logger: slog.New(h)}
}

func (l *SlogLogger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

func (l *SlogLogger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

func (l *SlogLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

func (l *SlogLogger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

// Nop discards everything. Used as the default when no logger is configured.
type Nop struct{}

func (Nop) Error(string, ...any) {}
func (Nop) Warn(string, ...any)  {}
func (Nop) Info(string, ...any)  {}
func (Nop) Debug(string, ...any) {}
