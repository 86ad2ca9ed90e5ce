// Package logging provides structured logging for ponder.
// The package-level API is a thin veneer over zap so call sites stay terse.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel parses debug|info|warn|error (case-insensitive)
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "", "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

// Config selects level and encoding
type Config struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // console or json
}

// Logger is a structured logger
type Logger struct {
	sugar *zap.SugaredLogger
}

var (
	level         = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	defaultLogger atomic.Pointer[Logger]
	format        atomic.Value // string
)

func init() {
	format.Store("console")
	defaultLogger.Store(newLogger(os.Stderr, "console"))
}

func newLogger(w io.Writer, enc string) *Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.MessageKey = "msg"

	var encoder zapcore.Encoder
	if enc == "json" {
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(w)), level)
	return &Logger{sugar: zap.New(core).Sugar()}
}

// Setup configures the global logger from config
func Setup(cfg Config) error {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	enc := strings.ToLower(cfg.Format)
	if enc != "json" {
		enc = "console"
	}
	format.Store(enc)
	SetLevel(lvl)
	defaultLogger.Store(newLogger(os.Stderr, enc))
	return nil
}

// SetLevel sets the global log level
func SetLevel(l Level) {
	level.SetLevel(l.zapLevel())
}

// GetLevel returns the global log level
func GetLevel() Level {
	switch level.Level() {
	case zapcore.DebugLevel:
		return DEBUG
	case zapcore.WarnLevel:
		return WARN
	case zapcore.ErrorLevel, zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return ERROR
	default:
		return INFO
	}
}

// SetOutput sets the output writer, keeping the current encoding
func SetOutput(w io.Writer) {
	defaultLogger.Store(newLogger(w, format.Load().(string)))
}

// L returns the underlying zap logger for typed fields in hot paths
func L() *zap.Logger {
	return defaultLogger.Load().sugar.Desugar()
}

// Sync flushes buffered entries
func Sync() error {
	return defaultLogger.Load().sugar.Sync()
}

// WithField returns a logger with a field added
func WithField(key string, value interface{}) *Logger {
	return defaultLogger.Load().WithField(key, value)
}

// WithFields returns a logger with multiple fields added
func WithFields(fields map[string]interface{}) *Logger {
	return defaultLogger.Load().WithFields(fields)
}

// WithField adds a field to the logger
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{sugar: l.sugar.With(key, value)}
}

// WithFields adds multiple fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{sugar: l.sugar.With(args...)}
}

func (l *Logger) log(lvl Level, msg string, args ...interface{}) {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	switch lvl {
	case DEBUG:
		l.sugar.Debug(msg)
	case WARN:
		l.sugar.Warn(msg)
	case ERROR:
		l.sugar.Error(msg)
	default:
		l.sugar.Info(msg)
	}
}

// Debug logs a debug message
func Debug(msg string, args ...interface{}) {
	defaultLogger.Load().log(DEBUG, msg, args...)
}

// Info logs an info message
func Info(msg string, args ...interface{}) {
	defaultLogger.Load().log(INFO, msg, args...)
}

// Warn logs a warning message
func Warn(msg string, args ...interface{}) {
	defaultLogger.Load().log(WARN, msg, args...)
}

// Error logs an error message
func Error(msg string, args ...interface{}) {
	defaultLogger.Load().log(ERROR, msg, args...)
}

// Logger methods
func (l *Logger) Debug(msg string, args ...interface{}) { l.log(DEBUG, msg, args...) }
func (l *Logger) Info(msg string, args ...interface{})  { l.log(INFO, msg, args...) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.log(WARN, msg, args...) }
func (l *Logger) Error(msg string, args ...interface{}) { l.log(ERROR, msg, args...) }
