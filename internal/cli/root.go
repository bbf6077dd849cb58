// Package cli is the timerquiz command line: the bot itself plus a few
// maintenance commands that work on the store directly.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	def := os.Getenv("TIMERQUIZ_CONFIG")
	if def == "" {
		def = "./config.json"
	}

	cmd := &cobra.Command{
		Use:           "timerquiz",
		Short:         "Telegram bot that posts timed quizzes on a schedule",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", def, "path to config (json or yaml)")

	cmd.AddCommand(NewRunCmd(&configPath))
	cmd.AddCommand(NewAddCmd(&configPath))
	cmd.AddCommand(NewListCmd(&configPath))
	cmd.AddCommand(NewCancelCmd(&configPath))
	cmd.AddCommand(NewDeadLettersCmd(&configPath))
	cmd.AddCommand(NewCheckCmd(&configPath))
	return cmd
}
