// Package logging configures the process logger and error reporting.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/lmittmann/tint"
)

// ParseLevel maps a LOG_LEVEL value to a slog level, defaulting to info
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

// NewLogger builds a tint-formatted logger writing to w
func NewLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(contextHandler{tint.NewHandler(w, &tint.Options{
		Level:      ParseLevel(level),
		AddSource:  level == "debug",
		TimeFormat: time.DateTime,
		NoColor:    w != os.Stderr,
	})})
}

// Init installs the default logger on stderr
func Init(level string) {
	slog.SetDefault(NewLogger(os.Stderr, level))
}

// InitSentry configures error reporting. An empty dsn leaves reporting disabled.
func InitSentry(dsn, environment, release string) error {
	if dsn == "" {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          release,
		AttachStacktrace: true,
		SendDefaultPII:   false,
	})
}

// Flush waits for buffered error reports
func Flush() {
	sentry.Flush(2 * time.Second)
}

// CaptureError reports err with tags. It is a no-op when Sentry is not initialised.
func CaptureError(err error, tags map[string]string) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}
