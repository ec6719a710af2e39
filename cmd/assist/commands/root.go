// Package commands implements the assist CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "assist",
		Short: "Assist - Conversational assistant for messaging channels",
		Long: `Assist is a conversational assistant daemon connecting messaging
channels (WhatsApp, Telegram, Discord) to an OpenAI-compatible model,
with per-thread prompts and rolling conversation summaries.

Examples:
  assist serve
  assist serve --channel telegram
  assist threads add --channel telegram --ref 123456 --prompt "You are a support agent" --model gpt-4o-mini
  assist threads list
  assist health`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSetupCmd(),
		newThreadsCmd(),
		newHealthCmd(version),
	)

	// Global flags.
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose logging")

	return rootCmd
}
