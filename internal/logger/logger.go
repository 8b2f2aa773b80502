package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/config"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger logging interface
type Logger interface {
	// Debug logs a Debug event.
	Debug(msg string, fields ...interface{})
	// Info logs an Info event.
	Info(msg string, fields ...interface{})
	// Warn logs a Warn event.
	Warn(msg string, fields ...interface{})
	// Error logs an Error event.
	Error(msg string, fields ...interface{})
	// Fatal logs a Fatal event and terminates the program.
	Fatal(msg string, fields ...interface{})
	// With returns a child logger that attaches fields to every event.
	With(fields ...interface{}) Logger
}

// zerologAdapter zerolog adapter
type zerologAdapter struct {
	logger *zerolog.Logger
}

type fieldAdder[T any] interface {
	Str(string, string) T
	Int(string, int) T
	Int64(string, int64) T
	Float64(string, float64) T
	Bool(string, bool) T
	Dur(string, time.Duration) T
	AnErr(string, error) T
	Strs(string, []string) T
	Interface(string, interface{}) T
}

// addFields applies key/value pairs to either an event or a context.
func addFields[T fieldAdder[T]](target T, fields ...interface{}) T {
	for i := 0; i < len(fields)-1; i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		switch v := fields[i+1].(type) {
		case string:
			target = target.Str(key, v)
		case int:
			target = target.Int(key, v)
		case int64:
			target = target.Int64(key, v)
		case float64:
			target = target.Float64(key, v)
		case bool:
			target = target.Bool(key, v)
		case time.Duration:
			target = target.Dur(key, v)
		case error:
			target = target.AnErr(key, v)
		case []string:
			target = target.Strs(key, v)
		case interface{ String() string }:
			target = target.Str(key, v.String())
		default:
			target = target.Interface(key, v)
		}
	}
	return target
}

// Debug implements Logger
func (z *zerologAdapter) Debug(msg string, fields ...interface{}) {
	addFields(z.logger.Debug(), fields...).Msg(msg)
}

// Info implements Logger
func (z *zerologAdapter) Info(msg string, fields ...interface{}) {
	addFields(z.logger.Info(), fields...).Msg(msg)
}

// Warn implements Logger
func (z *zerologAdapter) Warn(msg string, fields ...interface{}) {
	addFields(z.logger.Warn(), fields...).Msg(msg)
}

// Error implements Logger
func (z *zerologAdapter) Error(msg string, fields ...interface{}) {
	addFields(z.logger.Error(), fields...).Msg(msg)
}

// Fatal implements Logger
func (z *zerologAdapter) Fatal(msg string, fields ...interface{}) {
	addFields(z.logger.Fatal(), fields...).Msg(msg)
}

// With implements Logger
func (z *zerologAdapter) With(fields ...interface{}) Logger {
	child := addFields(z.logger.With(), fields...).Logger()
	return &zerologAdapter{logger: &child}
}

// NewLogger creates new logger instance
func NewLogger(cfg *config.LogConfig, outputMode string) Logger {
	return newLogger(cfg, outputMode, os.Stderr)
}

func newLogger(cfg *config.LogConfig, outputMode string, out io.Writer) Logger {
	logLevel, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}

	var writers []io.Writer
	// Reports go to stdout; logs stay on stderr so JSON output remains parseable.
	if strings.ToLower(outputMode) == "json" {
		writers = append(writers, out)
	} else {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "2006-01-02 15:04:05",
		})
	}

	if cfg.FileLogging.Enable {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.FileLogging.Path,
			MaxSize:    cfg.FileLogging.MaxSizeMB,
			MaxBackups: cfg.FileLogging.MaxBackups,
			MaxAge:     cfg.FileLogging.MaxAgeDays,
			Compress:   cfg.FileLogging.Compress,
		})
	}

	logger := zerolog.New(io.MultiWriter(writers...)).Level(logLevel).With().Timestamp().Logger()
	return &zerologAdapter{logger: &logger}
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	logger := zerolog.Nop()
	return &zerologAdapter{logger: &logger}
}
