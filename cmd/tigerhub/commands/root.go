package commands

import (
	"github.com/spf13/cobra"
)

var (
	configPath       string
	logLevelOverride string
)

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tigerhub",
		Short: "Tiger Schema Hub - MCP tool-server orchestration",
		Long: `Tiger Schema Hub manages a fleet of Model Context Protocol tool servers
and exposes them to schema-design assistants through a routing layer and a
single aggregating gateway endpoint.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return configureLogger(logLevelOverride)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "tigerhub.json", "Path to hub configuration file")
	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewServeCmd(),
		NewStatusCmd(),
		NewValidateCmd(),
	)

	return cmd
}
