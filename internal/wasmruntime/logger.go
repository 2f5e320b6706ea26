package wasmruntime

import (
	"sync"

	"go.uber.org/zap"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns the package's logger. It defaults to a no-op logger so
// library consumers who never call SetLogger pay no logging cost.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger configures the package logger. Call before instantiating any
// module if structured logs are wanted.
func SetLogger(l *zap.Logger) {
	logger = l
}
