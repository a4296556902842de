package logger

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type loggers struct {
	plain *zap.Logger
	sugar *zap.SugaredLogger
}

var current atomic.Pointer[loggers]

// newConfig maps a gin mode onto a zap config. release logs JSON at info,
// test only errors, and anything else colored console output at debug.
func newConfig(mode string) zap.Config {
	var cfg zap.Config
	switch mode {
	case "release":
		cfg = zap.NewProductionConfig()
	case "test":
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

// Init builds the process logger for the given server mode.
func Init(mode string) error {
	l, err := newConfig(mode).Build(zap.Fields(zap.String("service", "humancount")))
	if err != nil {
		return err
	}
	Set(l)
	return nil
}

// Set installs l as the process logger and as zap's globals.
func Set(l *zap.Logger) {
	zap.ReplaceGlobals(l)
	if prev := current.Swap(&loggers{plain: l, sugar: l.Sugar()}); prev != nil {
		_ = prev.plain.Sync()
	}
}

// Log never returns nil; before Init it falls back to zap.L().
func Log() *zap.Logger {
	if c := current.Load(); c != nil {
		return c.plain
	}
	return zap.L()
}

func S() *zap.SugaredLogger {
	if c := current.Load(); c != nil {
		return c.sugar
	}
	return zap.S()
}

func Sync() {
	if c := current.Load(); c != nil {
		_ = c.plain.Sync()
	}
}
