// Package app provides the entry point for the amb command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcp-ambassador/ambassador/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "amb",
	DisableAutoGenTag: true,
	Short:             "MCP Ambassador is an authenticating proxy for MCP servers",
	Long: `MCP Ambassador (amb) sits between AI host tools and MCP backend servers.
Host tools register with a preshared key and receive a session token; the
ambassador resolves each client's effective tool catalog, enforces
profile-based authorization, injects per-user credentials, and writes an
append-only audit trail of every invocation.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command for the amb CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("binding debug flag: %v", err)
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newKeysCmd())
	rootCmd.AddCommand(newSecretCmd())

	return rootCmd
}

func configFileFlag(cmd *cobra.Command) string {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return ""
	}
	return path
}
