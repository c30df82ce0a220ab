package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that runs the gateway.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		console    bool
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the claw0 gateway",
		Long: `Start the long-running gateway process.

Runs the control-plane WebSocket server, the channel pump, the delivery
worker and the cron scheduler until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), console, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (default claw0.yaml, or CLAW0_CONFIG)")
	cmd.Flags().BoolVar(&console, "console", false, "Attach a terminal console channel on stdin/stdout")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

// buildAgentCmd creates the "agent" command for one-shot turns.
func buildAgentCmd() *cobra.Command {
	var (
		configPath string
		message    string
		agentID    string
		sessionKey string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a single agent turn and print the reply",
		Long: `Run one agent turn against the configured backend and exit.

The turn uses the same session store, memory and tools as the gateway,
so one-shot conversations persist across invocations.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(message) == "" {
				return fmt.Errorf("a message is required (use -m)")
			}
			return runAgent(cmd.Context(), cmd.OutOrStdout(), resolveConfigPath(configPath), agentID, sessionKey, message)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&message, "message", "m", "", "Message to send to the agent")
	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "Agent to address (default from config)")
	cmd.Flags().StringVarP(&sessionKey, "session", "s", "", "Session key (default <agent>:cli:local)")

	return cmd
}

// buildStatusCmd creates the "status" command for a workspace overview.
func buildStatusCmd() *cobra.Command {
	var (
		configPath string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workspace and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout(), resolveConfigPath(configPath), jsonOutput)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd.OutOrStdout())
		},
	}

	var configPath string
	validateCmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(configPath)
			if len(args) == 1 {
				path = args[0]
			}
			return runConfigValidate(cmd.OutOrStdout(), path)
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	cmd.AddCommand(schemaCmd, validateCmd)
	return cmd
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "claw0 %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
