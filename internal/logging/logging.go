// Package logging builds the zap loggers used for console progress and for
// the per-segment raw emulator logs.
package logging

import (
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mrhapile/dumpreplay/internal/config"
)

// ParseLevel converts a configured level name into a zap level
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	enc.EncodeCaller = nil
	enc.CallerKey = ""
	return enc
}

// New builds the console logger writing to w, normally stderr. verbose
// forces debug level regardless of the configured level.
func New(w io.Writer, cfg config.LoggingConfig, verbose bool) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	return NewWithWriter(w, level, cfg.JSON), nil
}

// NewWithWriter builds a logger writing to w
func NewWithWriter(w io.Writer, level zapcore.Level, json bool) *zap.Logger {
	var enc zapcore.Encoder
	if json {
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		enc = zapcore.NewConsoleEncoder(consoleEncoderConfig())
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(w), zap.NewAtomicLevelAt(level))
	return zap.New(core)
}

// Tee returns a logger that also writes every entry, at debug level and
// above, to w in plain console format. It is used to capture the raw log of
// one segment.
func Tee(base *zap.Logger, w io.Writer) *zap.Logger {
	file := zapcore.NewCore(
		zapcore.NewConsoleEncoder(consoleEncoderConfig()),
		zapcore.AddSync(w),
		zapcore.DebugLevel,
	)
	return base.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, file)
	}))
}

// Hex formats an address field
func Hex(key string, v uint64) zap.Field {
	return zap.String(key, fmt.Sprintf("%#x", v))
}
