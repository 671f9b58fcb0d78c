// Package log provides structured logging with run context.
//
// Two logger variants are available:
//   - Logger: Non-sugared zap.Logger for the ingestion path (structured fields)
//   - SugaredLogger: Printf-style logging for CLI surfaces
//
// Use Logger.Sugar() to obtain a SugaredLogger when needed.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/justapithecus/promptopt/types"
)

// Logger provides structured logging with run context.
// All log entries include run identity fields.
type Logger struct {
	zap *zap.Logger
}

// SugaredLogger provides printf-style logging for CLI surfaces.
type SugaredLogger struct {
	sugar *zap.SugaredLogger
}

// Option configures a Logger.
type Option func(*options)

type options struct {
	writer io.Writer
	level  zapcore.Level
}

// WithWriter sets the output writer. Defaults to os.Stderr.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// WithLevel sets the minimum level. Defaults to info.
func WithLevel(level zapcore.Level) Option {
	return func(o *options) { o.level = level }
}

// ParseLevel parses debug, info, warn, or error. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: must be debug, info, warn, or error", s)
	}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
}

// NewLogger creates a new logger with run context.
// A nil runMeta produces a logger without run fields (CLI surfaces).
func NewLogger(runMeta *types.RunMeta, opts ...Option) *Logger {
	o := options{writer: os.Stderr, level: zapcore.InfoLevel}
	for _, opt := range opts {
		opt(&o)
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(o.writer),
		o.level,
	)

	zapLogger := zap.New(core)
	if runMeta != nil {
		zapLogger = zapLogger.With(runFields(runMeta)...)
	}
	return &Logger{zap: zapLogger}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

// runFields builds the run context fields.
func runFields(runMeta *types.RunMeta) []zap.Field {
	fields := []zap.Field{
		zap.String("run_id", runMeta.RunID),
		zap.Int("attempt", runMeta.Attempt),
	}
	if runMeta.ParentRunID != nil {
		fields = append(fields, zap.String("parent_run_id", *runMeta.ParentRunID))
	}
	return fields
}

// ForRun returns a child logger carrying the run's identity fields.
func (l *Logger) ForRun(runMeta *types.RunMeta) *Logger {
	return &Logger{zap: l.zap.With(runFields(runMeta)...)}
}

// With returns a child logger with static context fields.
func (l *Logger) With(fields map[string]any) *Logger {
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	return &Logger{zap: l.zap.With(zf...)}
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields map[string]any) {
	l.zap.Debug(message, zap.Any("fields", fields))
}

// Info logs an info message.
func (l *Logger) Info(message string, fields map[string]any) {
	l.zap.Info(message, zap.Any("fields", fields))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields map[string]any) {
	l.zap.Warn(message, zap.Any("fields", fields))
}

// Error logs an error message.
func (l *Logger) Error(message string, fields map[string]any) {
	l.zap.Error(message, zap.Any("fields", fields))
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// Sugar returns a SugaredLogger for printf-style logging.
func (l *Logger) Sugar() *SugaredLogger {
	return &SugaredLogger{sugar: l.zap.Sugar()}
}

// Debugf logs a debug message with printf-style formatting.
func (s *SugaredLogger) Debugf(template string, args ...any) {
	s.sugar.Debugf(template, args...)
}

// Infof logs an info message with printf-style formatting.
func (s *SugaredLogger) Infof(template string, args ...any) {
	s.sugar.Infof(template, args...)
}

// Warnf logs a warning message with printf-style formatting.
func (s *SugaredLogger) Warnf(template string, args ...any) {
	s.sugar.Warnf(template, args...)
}

// Errorf logs an error message with printf-style formatting.
func (s *SugaredLogger) Errorf(template string, args ...any) {
	s.sugar.Errorf(template, args...)
}
