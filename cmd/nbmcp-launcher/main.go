// Package main is the entry point for the NetBox MCP container launcher.
package main

import (
	"os"

	"github.com/stacklok/netbox-mcp-launcher/cmd/nbmcp-launcher/app"
	lerrors "github.com/stacklok/netbox-mcp-launcher/pkg/errors"
	"github.com/stacklok/netbox-mcp-launcher/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		if !lerrors.IsChildExit(err) {
			logger.Errorf("%v", err)
		}
		os.Exit(lerrors.ExitCodeOf(err))
	}
}
