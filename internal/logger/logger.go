package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the structured logging surface handed to every component.
// Fields are alternating key/value pairs.
type Logger interface {
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Debug(msg string, fields ...interface{})
	With(fields ...interface{}) Logger
}

type loggerImpl struct {
	zl zerolog.Logger
}

type Config struct {
	Level      string
	Console    bool
	FilePath   string // empty disables file output
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New builds a logger writing to the console and, when FilePath is set, to a
// size-rotated file.
func New(cfg Config) Logger {
	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	if cfg.FilePath != "" {
		writers = append(writers, FileWriter(cfg))
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}
	zl := zerolog.New(io.MultiWriter(writers...)).With().Timestamp().Logger().Level(ParseLevel(cfg.Level))
	return &loggerImpl{zl: zl}
}

// FileWriter returns a file writer with rotation
func FileWriter(cfg Config) io.Writer {
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10 // megabytes
	}
	return &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
}

// Nop discards everything. Used by tests.
func Nop() Logger {
	return &loggerImpl{zl: zerolog.Nop()}
}

// ParseLevel maps a LOG_LEVEL value to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func (l *loggerImpl) Info(msg string, fields ...interface{}) {
	logWithFields(l.zl.Info(), msg, fields...)
}

func (l *loggerImpl) Warn(msg string, fields ...interface{}) {
	logWithFields(l.zl.Warn(), msg, fields...)
}

func (l *loggerImpl) Error(msg string, fields ...interface{}) {
	logWithFields(l.zl.Error(), msg, fields...)
}

func (l *loggerImpl) Debug(msg string, fields ...interface{}) {
	logWithFields(l.zl.Debug(), msg, fields...)
}

// With returns a child logger carrying the given fields on every event.
func (l *loggerImpl) With(fields ...interface{}) Logger {
	ctx := l.zl.With()
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		ctx = ctx.Interface(key, fields[i+1])
	}
	return &loggerImpl{zl: ctx.Logger()}
}

func logWithFields(event *zerolog.Event, msg string, fields ...interface{}) {
	if event == nil {
		return
	}
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		if key == "error" {
			if err, ok := fields[i+1].(error); ok && err != nil {
				event = event.Err(err)
				continue
			}
		}
		event = event.Interface(key, fields[i+1])
	}
	event.Msg(msg)
}
