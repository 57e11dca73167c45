// Package logger wraps zap for the rest of the module.
package logger

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log levels understood by New.
const (
	DebugLevel = "debug"
	InfoLevel  = "info"
	WarnLevel  = "warn"
	ErrorLevel = "error"
)

// defaultZapLevel is used when an unknown level string is provided.
const defaultZapLevel = zapcore.InfoLevel

// Logger wraps zap's SugaredLogger.
type Logger struct {
	*zap.SugaredLogger
}

func toZapLevel(levelStr string) zapcore.Level {
	switch levelStr {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return defaultZapLevel
	}
}

// newConsoleCore builds a zapcore.Core with a console encoder targeting w.
func newConsoleCore(w io.Writer, level zapcore.Level) zapcore.Core {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.RFC3339TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder

	encoder := zapcore.NewConsoleEncoder(cfg)
	ws := zapcore.Lock(zapcore.AddSync(w))
	return zapcore.NewCore(encoder, ws, zap.NewAtomicLevelAt(level))
}

// New returns a logger writing to stderr at the given level.  Stdout is
// left to the per-sample status lines.
func New(level string) *Logger {
	return NewWriter(os.Stderr, level)
}

// NewWriter returns a logger writing to w at the given level.
func NewWriter(w io.Writer, level string) *Logger {
	core := newConsoleCore(w, toZapLevel(level))
	return &Logger{SugaredLogger: zap.New(core).Sugar()}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}
