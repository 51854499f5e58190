// Package main is the entry point for the stagelink server.
package main

import (
	"log/slog"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"

	"github.com/stagelink/stagelink-server/cmd/stagelink-api/app"
)

// getLogLevel parses the STAGELINK_LOG_LEVEL environment variable.
// Defaults to info if unset or invalid.
func getLogLevel() zapcore.Level {
	switch strings.ToLower(os.Getenv("STAGELINK_LOG_LEVEL")) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// setupLogging installs a zap backend behind the slog default logger so the
// whole service emits structured JSON.
func setupLogging() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(getLogLevel())

	zl, err := cfg.Build()
	if err != nil {
		// Logging must never prevent startup; fall back to the
		// default text handler.
		slog.Error("Failed to build zap logger, using default handler", "error", err)
		return nil
	}

	slog.SetDefault(slog.New(zapslog.NewHandler(zl.Core())))
	return zl
}

func main() {
	zl := setupLogging()
	if zl != nil {
		defer func() { _ = zl.Sync() }()
	}

	if err := app.NewRootCmd().Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
