package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel   = "CONNECTD_LOG_LEVEL"
	EnvLogNoColor = "CONNECTD_LOG_NOCOLOR"
)

// Init builds the process logger, installs it as the zerolog global, and returns it.
//
// level is the configured default; CONNECTD_LOG_LEVEL overrides it.
func Init(app, level string) zerolog.Logger {
	return New(os.Stderr, app, level)
}

// New is Init writing to out.
func New(out io.Writer, app, level string) zerolog.Logger {
	lvl, ok := ParseLevel(os.Getenv(EnvLogLevel))
	if !ok {
		lvl, ok = ParseLevel(level)
		if !ok {
			lvl = zerolog.InfoLevel
		}
	}

	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    os.Getenv(EnvLogNoColor) != "",
	}
	logger := zerolog.New(output).Level(lvl).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

// Component returns a sub-logger tagged with a component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// ParseLevel maps a textual level onto zerolog levels.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
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
	case "off", "disabled":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}
