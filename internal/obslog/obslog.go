// Package obslog is the engine's structured logging seam. It wraps
// go.uber.org/zap the way the teacher wraps its own logger: a single
// package-level accessor built once at process start, with callers
// attaching contextual fields ("version", "stage", "type") instead of
// formatting ad-hoc strings.
package obslog

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu     sync.Mutex
	logger *zap.SugaredLogger
)

// Init installs the process-wide logger at the given zap level name
// ("debug", "info", "warn", "error"). Safe to call more than once;
// later calls replace the logger. If never called, L() lazily builds
// a sane production default.
func Init(level string) error {
	mu.Lock()
	defer mu.Unlock()
	cfg := zap.NewProductionConfig()
	if level != "" {
		lvl := zap.NewAtomicLevel()
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return err
		}
		cfg.Level = lvl
	}
	l, err := cfg.Build()
	if err != nil {
		return err
	}
	logger = l.Sugar()
	return nil
}

// L returns the process-wide sugared logger, building a default
// production logger on first use if Init was never called.
func L() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		l, err := zap.NewProduction()
		if err != nil {
			l = zap.NewNop()
		}
		logger = l.Sugar()
	}
	return logger
}

// Sync flushes any buffered log entries. Callers should defer this at
// process shutdown; errors are intentionally ignored here since most
// sync failures on stderr/stdout are not actionable.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}
