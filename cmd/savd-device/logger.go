package main

import (
	"io"
	"log/slog"

	"github.com/sava-anti-ddos/sav-d/internal/logging"
)

func setupLogger(format, level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	l := logging.New(format, lvl, w).With("app", "savd-device")
	logging.Set(l)
	return l
}
