package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Field aliases for zap fields
type Field = zapcore.Field

var (
	String   = zap.String
	Strings  = zap.Strings
	Int      = zap.Int
	Int64    = zap.Int64
	Float64  = zap.Float64
	Bool     = zap.Bool
	Time     = zap.Time
	Duration = zap.Duration
	Error    = zap.Error
	Any      = zap.Any
)

// Logger is a wrapper around zap.Logger
type Logger struct {
	*zap.Logger
}

// Config represents logger configuration
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, console

	// File, when set, receives a JSON copy of every entry through a
	// size-rotated writer.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

const nameWidth = 12

func coloredLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	var color string
	switch level {
	case zapcore.ErrorLevel:
		color = "\033[1;31m"
	case zapcore.WarnLevel:
		color = "\033[1;33m"
	case zapcore.InfoLevel:
		color = "\033[1;36m"
	case zapcore.DebugLevel:
		color = "\033[1;37m"
	default:
		enc.AppendString(level.String())
		return
	}
	enc.AppendString(color + level.String() + "\033[0m")
}

// fixedWidthNameEncoder keeps console columns aligned by padding the last
// component of the logger name.
func fixedWidthNameEncoder(loggerName string, enc zapcore.PrimitiveArrayEncoder) {
	parts := strings.Split(loggerName, ".")
	name := parts[len(parts)-1]
	if len(name) > nameWidth {
		name = name[:nameWidth]
	}
	enc.AppendString(name + strings.Repeat(" ", nameWidth-len(name)))
}

func baseEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeName:     zapcore.FullNameEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// New creates a new logger with the given configuration
func New(config Config) (*Logger, error) {
	level, err := parseLogLevel(config.Level)
	if err != nil {
		return nil, err
	}

	encCfg := baseEncoderConfig()
	if level != zapcore.DebugLevel {
		encCfg.CallerKey = zapcore.OmitKey
	}

	var stdoutEncoder zapcore.Encoder
	switch config.Format {
	case "json":
		stdoutEncoder = zapcore.NewJSONEncoder(encCfg)
	case "console":
		consoleCfg := encCfg
		consoleCfg.EncodeLevel = coloredLevelEncoder
		consoleCfg.EncodeName = fixedWidthNameEncoder
		stdoutEncoder = zapcore.NewConsoleEncoder(consoleCfg)
	default:
		return nil, fmt.Errorf("unsupported log format: %s", config.Format)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(stdoutEncoder, zapcore.AddSync(os.Stdout), level),
	}

	if config.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), level))
	}

	opts := []zap.Option{
		zap.AddStacktrace(zapcore.ErrorLevel),
	}
	if level == zapcore.DebugLevel {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(1))
	}

	return &Logger{Logger: zap.New(zapcore.NewTee(cores...), opts...)}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Wrap adapts an existing zap logger, e.g. one built by zaptest/observer.
func Wrap(z *zap.Logger) *Logger {
	return &Logger{Logger: z}
}

func parseLogLevel(level string) (zapcore.Level, error) {
	switch level {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unsupported log level: %s", level)
	}
}

// With returns a logger with the given fields
func (l *Logger) With(fields ...zapcore.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

// Named returns a logger with the given name
func (l *Logger) Named(name string) *Logger {
	return &Logger{Logger: l.Logger.Named(name)}
}

// WithFlight returns a logger tagged with the flight identifier
func (l *Logger) WithFlight(flightID string) *Logger {
	return l.With(zap.String("flight_id", flightID))
}

// WithError returns a logger with the error field
func (l *Logger) WithError(err error) *Logger {
	return l.With(zap.Error(err))
}
