package main

import (
	"github.com/spf13/cobra"

	"rummi-server/internal/config"
)

var configFile string

// NewRootCmd creates the root command. Running it without a subcommand
// starts the server.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rummi-server",
		Short: "Realtime server for four-player tile rummy games",
		Long: `rummi-server hosts tile rummy games over websockets. Players create a
game, share its four character code, and play draw-and-drop turns until
someone lays out a winning rack.`,
		SilenceUsage: true,
		RunE:         runServe,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (YAML)")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())

	return cmd
}

// loadConfig reads settings for cmd, whose flags include the inherited
// persistent ones.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	return config.Load(cmd.Flags(), configFile)
}
