// Package main provides the CLI entry point for the claw0 agent gateway.
//
// claw0 routes messages from chat channels (file drop, Telegram, Discord)
// to an LLM-backed agent loop with workspace tools, persistent sessions,
// long-term memory and a durable outbound delivery queue.
//
// # Basic Usage
//
// Start the gateway:
//
//	claw0 serve --config claw0.yaml
//
// Talk to the agent from the terminal while serving:
//
//	claw0 serve --console
//
// Run a single agent turn and exit:
//
//	claw0 agent -m "summarize today's notes"
//
// Inspect the workspace:
//
//	claw0 status
//
// # Environment Variables
//
//   - CLAW0_CONFIG: Path to configuration file (default: claw0.yaml)
//   - CLAW0_API_KEY: API key for the chat backend
//   - TELEGRAM_BOT_TOKEN: Telegram bot token
//   - DISCORD_BOT_TOKEN: Discord bot token
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// defaultConfigName is picked up from the working directory when no
// explicit config path is given.
const defaultConfigName = "claw0.yaml"

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	// Structured JSON logging by default; serve replaces this with the
	// configured level once the config is loaded.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "claw0",
		Short: "claw0 - personal AI agent gateway",
		Long: `claw0 connects chat channels to an LLM-backed agent loop.

Channels: file drop, Telegram, Discord, terminal console
Backend: any OpenAI-compatible chat completions API
Tools: workspace files, shell commands, outbound messages`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildAgentCmd(),
		buildStatusCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

// resolveConfigPath decides which config file to load: an explicit flag
// wins, then CLAW0_CONFIG, then claw0.yaml in the working directory if
// present. An empty result means built-in defaults.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("CLAW0_CONFIG")); env != "" {
		return env
	}
	if _, err := os.Stat(defaultConfigName); err == nil {
		return defaultConfigName
	}
	return ""
}
