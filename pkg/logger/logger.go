package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const serviceName = "pvs"

type Config struct {
	Level      string
	TimeFormat string
	Pretty     bool
	// Version is stamped on every line. Empty means "dev".
	Version string
	// Output defaults to stdout.
	Output io.Writer
}

// NewWithConfig builds the process logger and installs it as the zerolog
// package logger so library code that logs through log.Logger agrees with it.
// An unknown level falls back to info.
func NewWithConfig(config Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	timeFormat := config.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}
	zerolog.TimeFieldFormat = timeFormat

	out := config.Output
	if out == nil {
		out = os.Stdout
	}
	if config.Pretty {
		out = zerolog.ConsoleWriter{
			Out:         out,
			TimeFormat:  timeFormat,
			FormatLevel: colorizeLevel,
		}
	}

	version := config.Version
	if version == "" {
		version = "dev"
	}

	logger := zerolog.New(out).With().
		Timestamp().
		Str("service", serviceName).
		Str("version", version).
		Logger()

	log.Logger = logger
	return logger
}

func colorizeLevel(i interface{}) string {
	level, _ := i.(string)
	switch level {
	case "trace":
		return "\033[35m" + level + "\033[0m"
	case "debug":
		return "\033[36m" + level + "\033[0m"
	case "info":
		return "\033[32m" + level + "\033[0m"
	case "warn":
		return "\033[33m" + level + "\033[0m"
	case "error", "fatal", "panic":
		return "\033[31m" + level + "\033[0m"
	default:
		return level
	}
}
