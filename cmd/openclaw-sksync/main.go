// Package main provides the CLI entry point for openclaw-sksync, the
// Super-Kanban session-lifecycle integration plugin: a transcript exporter,
// session controller, and offline reconciler that keep Super-Kanban's
// project/work-item/task board in sync with OpenClaw agent sessions.
//
// # Basic usage
//
// Run the live plugin (spool engine, session controller, WebSocket gateway):
//
//	openclaw-sksync serve --config sksync.yaml
//
// Replay archived transcripts against a Super-Kanban backend:
//
//	openclaw-sksync reconcile --fix --state-dir ~/.openclaw
//
// # Environment variables
//
// Secrets and deployment overrides are read from the environment; see
// internal/config for the full list (SUPER_KANBAN_BASE_URL,
// SUPER_KANBAN_TOKEN, SUPERKANBAN_API_KEY, SUPER_KANBAN_AUTH_HEADER,
// SUPER_KANBAN_LABEL_MAP_PATH, OPENCLAW_TELEGRAM_DIAG,
// OPENCLAW_TELEGRAM_DEDUP_VOICE).
package main

import (
	"log/slog"
	"os"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}
