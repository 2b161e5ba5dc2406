package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logMu sync.RWMutex
	log   *zap.Logger
)

// Development reports whether mode selects the console logger
func Development(mode string) bool {
	return mode == "development" || mode == "dev"
}

// Init builds the logger for mode (JSON unless Development) and installs it as zap's global
func Init(mode string) error {
	cfg := zap.NewProductionConfig()
	if Development(mode) {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		return err
	}
	Set(l)
	return nil
}

// Set swaps in l, flushing the previous logger
func Set(l *zap.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	zap.ReplaceGlobals(l)
	if log != nil {
		_ = log.Sync()
	}
	log = l
}

// Log returns *zap.Logger (never nil, a no-op before Init)
func Log() *zap.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	if log != nil {
		return log
	}
	return zap.L()
}

// Or lets components take an optional logger
func Or(l *zap.Logger) *zap.Logger {
	if l != nil {
		return l
	}
	return Log()
}

// Sync flush logs
func Sync() {
	logMu.RLock()
	defer logMu.RUnlock()
	if log != nil {
		_ = log.Sync()
	}
}
