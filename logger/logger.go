package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// EnvLogLevel overrides the level chosen from the debug flag.
const EnvLogLevel = "LOG_LEVEL"

// New returns the debug-channel logger.
//
// Logging failures must stay invisible to the host application, so the logger
// is disabled unless debug is set or LOG_LEVEL names a level explicitly.
// Output goes to w (stderr when nil).
func New(debug bool, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := zerolog.Disabled
	if debug {
		level = zerolog.DebugLevel
	}
	if envLevel, ok := parseLogLevel(os.Getenv(EnvLogLevel)); ok {
		level = envLevel
	}
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("lib", "llm-warehouse").
		Logger()
}

// InitWithOptions initializes a logger for command-line tools.
// If logFile is empty, logs to stderr.
// If pretty is true, uses ConsoleWriter for human-readable output (only valid when logFile is empty).
// Log level can be configured via LOG_LEVEL environment variable (debug, info, warn, error).
func InitWithOptions(logFile string, pretty bool) (zerolog.Logger, error) {
	level, ok := parseLogLevel(os.Getenv(EnvLogLevel))
	if !ok {
		level = zerolog.InfoLevel
	}

	var output io.Writer
	switch {
	case logFile != "":
		//nolint:gosec // G304: User-specified log file path is intentional
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("failed to open log file %s: %w", logFile, err)
		}
		output = file
	case pretty:
		output = zerolog.ConsoleWriter{Out: os.Stderr}
	default:
		output = os.Stderr
	}

	log := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()
	log.Debug().Str("level", level.String()).Msg("Logger initialized")
	return log, nil
}

func parseLogLevel(level string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off":
		return zerolog.Disabled, true
	default:
		return zerolog.NoLevel, false
	}
}
