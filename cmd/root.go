// Package cmd implements the vibekit CLI: the serve command that runs the
// agent server, and the client commands that talk to a running gateway.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/config"
)

// Version is stamped at build time with -ldflags.
var Version = "0.1.0"

var configFlag string

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vibekit",
		Short: "Config-driven A2A workflow agent server",
		Long: `vibekit serves one configured AI agent over the A2A protocol.
The agent composes skills, MCP tool servers, and resumable workflows
from a single JSON5 config file.

Running vibekit with no arguments starts the server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	cmd.PersistentFlags().StringVar(&configFlag, "config", "", "config file path (default $VIBEKIT_CONFIG or ~/.vibekit/config.json5)")

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(initCmd())
	cmd.AddCommand(configCmd())
	cmd.AddCommand(chatCmd())
	cmd.AddCommand(workflowCmd())
	cmd.AddCommand(taskCmd())
	cmd.AddCommand(skillsCmd())
	cmd.AddCommand(cronCmd())
	cmd.AddCommand(doctorCmd())
	cmd.AddCommand(versionCmd())

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the vibekit version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("vibekit", Version)
		},
	}
}

// resolveConfigPath returns the config path from --config or the default.
func resolveConfigPath() string {
	if configFlag != "" {
		return config.ExpandHome(configFlag)
	}
	return config.DefaultPath()
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
