// Package logs builds the process logger and writes the failed-server log.
package logs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"mediahub-go/internal/config"
)

// Log level names accepted in configuration
const (
	LogLevelTrace = "trace"
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// ParseLevel maps a configured level name to a zap level. Trace maps to
// debug since zap has no finer level.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case LogLevelTrace, LogLevelDebug:
		return zap.DebugLevel
	case LogLevelWarn:
		return zap.WarnLevel
	case LogLevelError:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// SetupLogger builds a logger that tees to the console and, when enabled,
// to a rotating file.
func SetupLogger(cfg *config.LogConfig, dataDir string) (*zap.Logger, error) {
	if cfg == nil {
		cfg = config.DefaultLogConfig()
	}
	level := ParseLevel(cfg.Level)

	var cores []zapcore.Core
	if cfg.EnableConsole {
		cores = append(cores, createConsoleCore(cfg, level))
	}
	if cfg.EnableFile {
		fileCore, err := createFileCore(cfg, dataDir, level)
		if err != nil {
			return nil, err
		}
		cores = append(cores, fileCore)
	}
	if len(cores) == 0 {
		return zap.NewNop(), nil
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

func encoderConfig() zapcore.EncoderConfig {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.StringDurationEncoder
	return enc
}

func createConsoleCore(cfg *config.LogConfig, level zapcore.Level) zapcore.Core {
	enc := encoderConfig()
	var encoder zapcore.Encoder
	if cfg.JSONFormat {
		encoder = zapcore.NewJSONEncoder(enc)
	} else {
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(enc)
	}
	return zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
}

func createFileCore(cfg *config.LogConfig, dataDir string, level zapcore.Level) (zapcore.Core, error) {
	logPath, err := LogFilePath(cfg, dataDir)
	if err != nil {
		return nil, err
	}

	writer := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	// Files are always JSON so they can be shipped and grepped
	encoder := zapcore.NewJSONEncoder(encoderConfig())
	return zapcore.NewCore(encoder, zapcore.AddSync(writer), level), nil
}

// LogFilePath resolves the log file location and creates its directory
func LogFilePath(cfg *config.LogConfig, dataDir string) (string, error) {
	dir := cfg.LogDir
	if dir == "" {
		dir = filepath.Join(dataDir, "logs")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	name := cfg.Filename
	if name == "" {
		name = "main.log"
	}
	return filepath.Join(dir, name), nil
}
