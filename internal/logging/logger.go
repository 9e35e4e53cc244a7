// Package logging wraps zap into the small Logger interface every daemon
// component constructor takes explicitly. There is deliberately no
// package-level logger variable anywhere in this module: the daemon builds
// one root logger at boot and hands each component a Named() child, so unit
// tests can always inject a capturing logger instead.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the interface every component constructor accepts. It is
// satisfied by *zapLogger (the production implementation) and by any test
// double that implements these five methods.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	Named(name string) Logger
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

// New builds a root Logger writing to stdout and, if logPath is non-empty,
// also to a file at that path. level is one of "debug", "info", "warn",
// "error"; an unrecognized level falls back to "info".
func New(level, logPath string) (Logger, func() error, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	cores = append(cores, zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.AddSync(os.Stdout),
		zapLevel,
	))

	closers := []func() error{}
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, err
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.AddSync(f),
			zapLevel,
		))
		closers = append(closers, f.Close)
	}

	core := zapcore.NewTee(cores...)
	base := zap.New(core)

	closeFn := func() error {
		_ = base.Sync() // best effort, stdout sync routinely errors on some platforms
		var firstErr error
		for _, c := range closers {
			if err := c(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	return &zapLogger{sugar: base.Sugar()}, closeFn, nil
}

func (l *zapLogger) Debug(msg string, kv ...any) { l.sugar.Debugw(msg, kv...) }
func (l *zapLogger) Info(msg string, kv ...any)  { l.sugar.Infow(msg, kv...) }
func (l *zapLogger) Warn(msg string, kv ...any)  { l.sugar.Warnw(msg, kv...) }
func (l *zapLogger) Error(msg string, kv ...any) { l.sugar.Errorw(msg, kv...) }

func (l *zapLogger) Named(name string) Logger {
	return &zapLogger{sugar: l.sugar.Named(name)}
}

// NewNop returns a Logger that discards everything, for tests and for code
// paths that received no logger configuration.
func NewNop() Logger {
	return &zapLogger{sugar: zap.NewNop().Sugar()}
}
