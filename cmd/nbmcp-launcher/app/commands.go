// Package app provides the command-line interface of the NetBox MCP launcher.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/netbox-mcp-launcher/pkg/logger"
)

// NewRootCmd creates a new root command for the launcher CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "nbmcp-launcher",
		DisableAutoGenTag: true,
		Short:             "Container entrypoint for the NetBox MCP server behind an OpenAPI proxy",
		Long: `nbmcp-launcher starts the NetBox MCP server behind the mcpo OpenAPI proxy.

It reads its configuration from the container environment, composes the CA
trust the proxy and server need to reach NetBox, and supervises the proxy
until it exits. It can also render the container image definition and the
Kubernetes manifest for the service.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	// Add persistent flags
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	if err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	// Add subcommands
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newPreflightCmd())
	rootCmd.AddCommand(newHealthcheckCmd())
	rootCmd.AddCommand(newRenderCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
