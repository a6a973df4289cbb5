package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// logLevel backs the default handler so the level can change at runtime
// (see SetLogLevel and config.Watch).
var logLevel = new(slog.LevelVar)

// ParseLevel maps "debug", "info", "warn"/"warning", "error" (case-insensitive)
// to a slog.Level. Anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger installs the global slog default logger.
//
// format: "json"  → JSONHandler (machine readable; recommended for production)
//
//	anything else → TextHandler (human readable; suitable for local development)
//
// Domain code logs through slog.Info/Warn/Error without carrying a *slog.Logger.
func SetupLogger(format, level string) {
	slog.SetDefault(slog.New(newHandler(os.Stdout, format, level)))
	slog.Info("logger initialised", "format", format, "level", logLevel.Level().String())
}

func newHandler(w io.Writer, format, level string) slog.Handler {
	lvl := ParseLevel(level)
	logLevel.Set(lvl)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: lvl == slog.LevelDebug,
	}
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SetLogLevel changes the level of the handler installed by SetupLogger.
// It returns the previous level.
func SetLogLevel(level string) slog.Level {
	prev := logLevel.Level()
	logLevel.Set(ParseLevel(level))
	if prev != logLevel.Level() {
		slog.Info("log level changed", "from", prev.String(), "to", logLevel.Level().String())
	}
	return prev
}
