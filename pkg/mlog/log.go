// Package mlog defines the structured logging contract used across the
// registries, the route manager and the Control API.
package mlog

import "context"

// Logger is the common interface every component depends on. Concrete
// backends (pkg/mzap, or a discard logger in tests) satisfy it so that no
// component imports zap directly.
type Logger interface {
	Info(args ...any)
	Infof(format string, args ...any)

	Error(args ...any)
	Errorf(format string, args ...any)

	Warn(args ...any)
	Warnf(format string, args ...any)

	Debug(args ...any)
	Debugf(format string, args ...any)

	// WithFields returns a derived Logger that always includes the given
	// key/value pairs, e.g. WithFields("tenantId", id).
	WithFields(fields ...any) Logger

	Sync() error
}

type loggerContextKey struct{}

// ContextWithLogger returns a context carrying logger, retrievable with
// FromContext.
func ContextWithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// FromContext extracts the Logger installed by ContextWithLogger, falling
// back to a discard logger so callers never need a nil check.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(Logger); ok {
		return l
	}

	return NoneLogger{}
}

// NoneLogger discards everything. Used by tests that don't assert on log
// output and by any call site that doesn't have a logger installed.
type NoneLogger struct{}

func (NoneLogger) Info(args ...any)                   {}
func (NoneLogger) Infof(format string, args ...any)   {}
func (NoneLogger) Error(args ...any)                  {}
func (NoneLogger) Errorf(format string, args ...any)  {}
func (NoneLogger) Warn(args ...any)                   {}
func (NoneLogger) Warnf(format string, args ...any)   {}
func (NoneLogger) Debug(args ...any)                  {}
func (NoneLogger) Debugf(format string, args ...any)  {}
func (n NoneLogger) WithFields(fields ...any) Logger  { return n }
func (NoneLogger) Sync() error                        { return nil }
