package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Debug selects a human readable
// development encoder at debug level; otherwise JSON at info level.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// DebugFromEnv reports whether MEERKAT_DEBUG is set to a true value.
func DebugFromEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("MEERKAT_DEBUG"))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// OrNop returns log, or a no-op logger when log is nil.
func OrNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
