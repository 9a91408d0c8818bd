// Package log wraps zerolog the way the teacher repo's pkg/log does:
// a global logger, an Init that picks level and format, and a handful of
// With* helpers that attach the fields this connector's components care
// about (source, protocol, batch) instead of the teacher's cluster fields.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var Logger zerolog.Logger

type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration, read from connector.log_level.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

func init() {
	// Safe default so packages used outside of cmd/connector (tests) don't
	// panic on a zero-value logger.
	Init(Config{Level: InfoLevel})
}

// WithSource creates a child logger tagged with the originating source.
func WithSource(name string) zerolog.Logger {
	return Logger.With().Str("source", name).Logger()
}

// WithComponent creates a child logger tagged with a pipeline component.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithProtocol creates a child logger tagged with a protocol kind.
func WithProtocol(kind string) zerolog.Logger {
	return Logger.With().Str("protocol", kind).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) { Logger.Fatal().Msg(msg) }
