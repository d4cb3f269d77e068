package logger

import (
	"log/slog"
	"os"
)

// New returns the process-wide structured logger. Webhook handlers attach
// per-request fields via the gin middleware, so this stays bare.
func New(appEnv string) *slog.Logger {
	level := slog.LevelInfo
	if appEnv != "production" {
		level = slog.LevelDebug
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}
