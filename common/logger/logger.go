package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a production zap logger tagged with the service name.
// LOG_LEVEL controls the minimum level (debug|info|warn|error, default info).
func New(serviceName string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(getLogLevel(os.Getenv("LOG_LEVEL")))

	logger, err := cfg.Build()
	if err != nil {
		// Fall back to a no-op logger rather than aborting the process.
		return zap.NewNop()
	}

	return logger.With(zap.String("service", serviceName))
}

// ForTenant scopes a logger to one tenant. Every log line a tenant worker
// writes carries the tenant id so the parent can attribute output.
func ForTenant(l *zap.Logger, tenantID string) *zap.Logger {
	return l.With(zap.String("tenant_id", tenantID))
}

func getLogLevel(levelStr string) zapcore.Level {
	switch levelStr {
	case "debug", "DEBUG":
		return zapcore.DebugLevel
	case "info", "INFO":
		return zapcore.InfoLevel
	case "warn", "WARN":
		return zapcore.WarnLevel
	case "error", "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
