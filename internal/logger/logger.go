package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a structured logger shared by every job
type Logger struct {
	zl zerolog.Logger
}

// Config controls log output
type Config struct {
	Level      string `yaml:"level" default:"info" validate:"oneof=trace debug info warn error"`
	Format     string `yaml:"format" default:"json" validate:"oneof=json console"`
	Output     string `yaml:"output" default:"stdout"` // stdout, stderr, or file path
	TimeFormat string `yaml:"time_format"`
}

// New builds a logger from config
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var output io.Writer
	switch cfg.Output {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("could not open log file: %w", err)
		}
		output = file
	}

	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339Nano
	}
	zerolog.TimeFieldFormat = cfg.TimeFormat

	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: cfg.TimeFormat,
		}
	}

	zl := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "signal-engine").
		Logger()

	return &Logger{zl: zl}, nil
}

// NewWriter logs JSON to w at debug level. Used by tests.
func NewWriter(w io.Writer) *Logger {
	return &Logger{zl: zerolog.New(w).Level(zerolog.DebugLevel).With().Timestamp().Logger()}
}

// Nop discards everything
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// Component returns a child logger tagged with a component name
func (l *Logger) Component(name string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", name).Logger()}
}

func (l *Logger) Info(msg string, fields ...Field) {
	emit(l.zl.Info(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...Field) {
	emit(l.zl.Error(), msg, fields)
}

func (l *Logger) Debug(msg string, fields ...Field) {
	emit(l.zl.Debug(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...Field) {
	emit(l.zl.Warn(), msg, fields)
}

func emit(event *zerolog.Event, msg string, fields []Field) {
	if event == nil {
		return
	}
	for _, field := range fields {
		field.AddTo(event)
	}
	event.Msg(msg)
}

// Field is a structured log attribute
type Field interface {
	AddTo(event *zerolog.Event)
}

type fieldFunc func(event *zerolog.Event)

func (f fieldFunc) AddTo(event *zerolog.Event) { f(event) }

// --- Field constructors ---

func String(key, value string) Field {
	return fieldFunc(func(e *zerolog.Event) { e.Str(key, value) })
}

func Int(key string, value int) Field {
	return fieldFunc(func(e *zerolog.Event) { e.Int(key, value) })
}

func Int64(key string, value int64) Field {
	return fieldFunc(func(e *zerolog.Event) { e.Int64(key, value) })
}

func Float(key string, value float64) Field {
	return fieldFunc(func(e *zerolog.Event) { e.Float64(key, value) })
}

func Bool(key string, value bool) Field {
	return fieldFunc(func(e *zerolog.Event) { e.Bool(key, value) })
}

func Time(key string, value time.Time) Field {
	return fieldFunc(func(e *zerolog.Event) { e.Time(key, value) })
}

// Duration logs milliseconds
func Duration(key string, value time.Duration) Field {
	return fieldFunc(func(e *zerolog.Event) { e.Int64(key, int64(value/time.Millisecond)) })
}

func Error(err error) Field {
	return fieldFunc(func(e *zerolog.Event) { e.Err(err) })
}

func Any(key string, value interface{}) Field {
	return fieldFunc(func(e *zerolog.Event) { e.Interface(key, value) })
}
