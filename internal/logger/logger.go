// Package logger holds the process logger and the scoped children that the
// hub and each push connection log through.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the process-wide logger. It is usable before Init and writes JSON to stdout.
var Log = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Init configures the global logger for env. An empty or unknown level keeps
// the default for env: debug in development, info elsewhere.
func Init(env, level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	var out io.Writer = os.Stdout
	lvl := zerolog.InfoLevel
	switch env {
	case "development":
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
		lvl = zerolog.DebugLevel
	case "test":
		out = io.Discard
	}

	badLevel := false
	if level != "" {
		parsed, err := zerolog.ParseLevel(level)
		if err == nil {
			lvl = parsed
		} else {
			badLevel = true
		}
	}

	Log = zerolog.New(out).Level(lvl).With().Timestamp().Str("env", env).Logger()
	if badLevel {
		Log.Warn().Str("level", level).Msg("unknown LOG_LEVEL, keeping default")
	}
}

// Component returns a child logger tagged with a subsystem name. Take it
// after Init; it does not follow later reconfiguration.
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}

// Conn returns the logger for a single push connection.
func Conn(connID, userID string) zerolog.Logger {
	return Log.With().
		Str("component", "ws").
		Str("conn_id", connID).
		Str("user_id", userID).
		Logger()
}

func Info() *zerolog.Event {
	return Log.Info()
}

func Error() *zerolog.Event {
	return Log.Error()
}

func Warn() *zerolog.Event {
	return Log.Warn()
}

func Debug() *zerolog.Event {
	return Log.Debug()
}

func Fatal() *zerolog.Event {
	return Log.Fatal()
}
