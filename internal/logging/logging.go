// Package logging provides category-tagged logging for the service.
// All logging goes through this package so that categories stay consistent.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Category constants for consistent logging categories.
const (
	CategoryApp       = "App"
	CategoryServer    = "Server"
	CategoryGateway   = "Gateway"
	CategoryBuffer    = "Buffer"
	CategorySTT       = "STT"
	CategoryHub       = "Hub"
	CategoryApproval  = "Approval"
	CategoryDetection = "Detection"
	CategoryStore     = "Store"
	CategoryGitHub    = "GitHub"
)

var logger = slog.New(slog.NewTextHandler(os.Stderr, nil))

// Init initializes logging at the given level ("debug", "info", "warn", "error").
func Init(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// Debug logs a debug message.
func Debug(category, msg string, params ...interface{}) {
	logger.Debug(fmt.Sprintf(msg, params...), "category", category)
}

// Info logs an info message.
func Info(category, msg string, params ...interface{}) {
	logger.Info(fmt.Sprintf(msg, params...), "category", category)
}

// Warning logs a warning message.
func Warning(category, msg string, params ...interface{}) {
	logger.Warn(fmt.Sprintf(msg, params...), "category", category)
}

// Error logs an error message.
func Error(category, msg string, params ...interface{}) {
	logger.Error(fmt.Sprintf(msg, params...), "category", category)
}
