// Package mzap is the zap-backed production implementation of mlog.Logger.
package mzap

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/partnerforwarder/partner-forwarder/pkg/mlog"
)

// Logger wraps a zap.SugaredLogger so it satisfies mlog.Logger.
type Logger struct {
	sugar *zap.SugaredLogger
}

// InitializeLogger builds a production zap logger at the given level
// ("debug", "info", "warn", "error"; defaults to "info" on a bad value).
func InitializeLogger(level string) *Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stdout"}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zl, err := cfg.Build()
	if err != nil {
		// Fall back to a minimal logger rather than crash the process on a
		// logging misconfiguration.
		zl = zap.NewExample()
	}

	return &Logger{sugar: zl.Sugar()}
}

// NewNop returns a Logger that discards everything, for tests that still
// want a real *Logger value (e.g. to pass to code expecting *mzap.Logger).
func NewNop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

func (l *Logger) Info(args ...any)                  { l.sugar.Info(args...) }
func (l *Logger) Infof(format string, args ...any)  { l.sugar.Infof(format, args...) }
func (l *Logger) Error(args ...any)                 { l.sugar.Error(args...) }
func (l *Logger) Errorf(format string, args ...any) { l.sugar.Errorf(format, args...) }
func (l *Logger) Warn(args ...any)                  { l.sugar.Warn(args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.sugar.Warnf(format, args...) }
func (l *Logger) Debug(args ...any)                 { l.sugar.Debug(args...) }
func (l *Logger) Debugf(format string, args ...any) { l.sugar.Debugf(format, args...) }

func (l *Logger) WithFields(fields ...any) mlog.Logger {
	return &Logger{sugar: l.sugar.With(fields...)}
}

func (l *Logger) Sync() error { return l.sugar.Sync() }

var _ mlog.Logger = (*Logger)(nil)
