package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the process-wide logger. Configure replaces it.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

var zeroLevels = map[LogLevel]zerolog.Level{
	LevelDebug: zerolog.DebugLevel,
	LevelInfo:  zerolog.InfoLevel,
	LevelWarn:  zerolog.WarnLevel,
	LevelError: zerolog.ErrorLevel,
}

// ParseLevel maps a level name to a LogLevel, falling back to info
func ParseLevel(level string) LogLevel {
	l := LogLevel(strings.ToLower(strings.TrimSpace(level)))
	if l == "warning" {
		return LevelWarn
	}
	if _, ok := zeroLevels[l]; ok {
		return l
	}
	return LevelInfo
}

// Configure points the global logger at stderr
func Configure(level LogLevel, isDev bool) {
	ConfigureWriter(level, isDev, os.Stderr)
}

// ConfigureWriter sets the global level and destination. Dev mode writes
// human-readable console lines instead of JSON.
func ConfigureWriter(level LogLevel, isDev bool, out io.Writer) {
	zl, ok := zeroLevels[level]
	if !ok {
		zl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(zl)

	if isDev {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
	log.Logger = Logger
}

// GetLogLevelFromEnv picks the level from CATTERM_LOG_LEVEL, then DEBUG.
// Dev mode logs at debug unless DEBUG turns it off.
func GetLogLevelFromEnv(isDev bool) LogLevel {
	if explicit := os.Getenv("CATTERM_LOG_LEVEL"); explicit != "" {
		return ParseLevel(explicit)
	}

	switch debug := strings.ToLower(os.Getenv("DEBUG")); {
	case debug == "true" || debug == "1":
		return LevelDebug
	case debug == "false" || debug == "0":
		return LevelInfo
	case isDev:
		return LevelDebug
	default:
		return LevelInfo
	}
}

func Debugf(format string, args ...interface{}) { Logger.Debug().Msgf(format, args...) }

func Infof(format string, args ...interface{}) { Logger.Info().Msgf(format, args...) }

func Warnf(format string, args ...interface{}) { Logger.Warn().Msgf(format, args...) }

func Errorf(format string, args ...interface{}) { Logger.Error().Msgf(format, args...) }
