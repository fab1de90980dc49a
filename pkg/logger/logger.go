package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Log   *zap.Logger
	Sugar *zap.SugaredLogger
)

func init() {
	level := zapcore.InfoLevel
	levelStr := strings.TrimSpace(os.Getenv("SWARMLINK_LOG_LEVEL"))
	if levelStr == "" {
		levelStr = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	}
	if levelStr != "" {
		_ = level.UnmarshalText([]byte(strings.ToLower(levelStr)))
	}

	// Until Setup runs, log to stderr so that library users and tests see output.
	replace(zapcore.NewCore(newEncoder(), zapcore.Lock(os.Stderr), level))
}

// Setup reconfigures the global logger. An empty file keeps logging on
// stderr; otherwise entries are appended to file (directories are created).
func Setup(levelStr, file string) error {
	level := zapcore.InfoLevel
	if levelStr != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(levelStr))); err != nil {
			return fmt.Errorf("invalid log level %q: %w", levelStr, err)
		}
	}

	sink := zapcore.Lock(os.Stderr)
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		sink = zapcore.AddSync(f)
	}

	replace(zapcore.NewCore(newEncoder(), sink, level))
	return nil
}

// Sync flushes buffered log entries.
func Sync() {
	_ = Log.Sync()
}

func newEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006/01/02 15:04:05"))
	}
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	return zapcore.NewConsoleEncoder(encoderConfig)
}

func replace(core zapcore.Core) {
	Log = zap.New(core, zap.AddCaller())
	Sugar = Log.Sugar()
}
