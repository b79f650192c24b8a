// Package logging builds the process logger. It is constructed once in main
// and passed to every component; nothing here touches zap's globals.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a console logger at the given level (DEBUG, INFO, WARN, ERROR).
// An empty level means DEBUG.
func New(level string) (*zap.SugaredLogger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.Sampling = nil
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("error building logger: %w", err)
	}
	return logger.Sugar(), nil
}

// ParseLevel maps a LOGGING_LEVEL value to a zap level
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "", "DEBUG":
		return zapcore.DebugLevel, nil
	case "INFO":
		return zapcore.InfoLevel, nil
	case "WARN", "WARNING":
		return zapcore.WarnLevel, nil
	case "ERROR":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.DebugLevel, fmt.Errorf("unknown logging level %q", level)
	}
}

// Critical logs at error level and tags the entry as critical
func Critical(log *zap.SugaredLogger, msg string, keysAndValues ...interface{}) {
	log.Errorw(msg, append([]interface{}{"critical", true}, keysAndValues...)...)
}
