// Package logger builds the service zap logger.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/maksmelnyk/paymentbus/internal/config"
)

const bytesPerMegabyte = 1024 * 1024

// ISO8601UTCTimeEncoder writes timestamps as RFC 3339 in UTC.
func ISO8601UTCTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.UTC().Format(time.RFC3339Nano))
}

// New returns a logger writing human readable output to stdout and, when a
// file path is configured, JSON lines to a size-rotated file.
func New(serviceName string, cfg config.LogConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	consoleEncoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	}

	if path := FilePath(cfg); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create logs directory: %w", err)
		}

		fileWriter := zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    rotationMegabytes(cfg.FileRotationBytes),
			MaxAge:     cfg.MaxAgeDays,
			MaxBackups: cfg.BackupCount,
			Compress:   cfg.Compress,
		})

		encoderConfig := zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeTime:     ISO8601UTCTimeEncoder,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		}

		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), fileWriter, level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller()).
		With(zap.String("service_name", serviceName))

	return logger, nil
}

// FilePath joins the configured directory and file name. An empty file name
// disables the file sink.
func FilePath(cfg config.LogConfig) string {
	if cfg.FilePath == "" {
		return ""
	}
	if filepath.IsAbs(cfg.FilePath) || cfg.FileDir == "" {
		return cfg.FilePath
	}
	return filepath.Join(cfg.FileDir, cfg.FilePath)
}

func rotationMegabytes(bytes int) int {
	if bytes <= 0 {
		return 0
	}
	mb := bytes / bytesPerMegabyte
	if mb < 1 {
		return 1
	}
	return mb
}
