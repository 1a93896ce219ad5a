package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const redacted = "[REDACTED]"

// sensitiveKeys never reach the log output, whatever their value.
var sensitiveKeys = map[string]struct{}{
	"password":       {},
	"mfa_code":       {},
	"code":           {},
	"secret":         {},
	"token":          {},
	"refresh_token":  {},
	"encryption_key": {},
}

func NewLogger(level string, serviceName string, env string) *slog.Logger {
	return newLogger(os.Stdout, level, serviceName, env)
}

func newLogger(w io.Writer, level string, serviceName string, env string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: redact,
	}
	var h slog.Handler
	if env == "dev" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With(
		slog.String("service", serviceName),
		slog.String("env", env),
	)
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if _, ok := sensitiveKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, redacted)
	}
	return a
}

func parseLevel(level string) slog.Level {
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
