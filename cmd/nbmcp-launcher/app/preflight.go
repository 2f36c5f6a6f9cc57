package app

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stacklok/toolhive-core/env"

	lerrors "github.com/stacklok/netbox-mcp-launcher/pkg/errors"
	"github.com/stacklok/netbox-mcp-launcher/pkg/launch/config"
	"github.com/stacklok/netbox-mcp-launcher/pkg/preflight"
	"github.com/stacklok/netbox-mcp-launcher/pkg/trust"
)

func newPreflightCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preflight",
		Short: "Check that NetBox is reachable with the configured token",
		Long: `Check that NetBox is reachable with the configured token.

Uses the same environment and CA trust as the run command. Exits 69 when
NetBox cannot be reached or rejects the token.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPreflight(cmd.Context(), &env.OSReader{})
		},
	}
}

func runPreflight(ctx context.Context, envReader env.Reader) error {
	cfg, err := config.FromEnv(envReader)
	if err != nil {
		return err
	}

	var missing []string
	if cfg.NetBoxURL == "" {
		missing = append(missing, config.NetBoxURLEnv)
	}
	if cfg.NetBoxToken == "" {
		missing = append(missing, config.NetBoxTokenEnv)
	}
	if len(missing) > 0 {
		return lerrors.NewInvalidConfigError("missing required environment variables: "+strings.Join(missing, ", "), nil)
	}

	trustPlan, err := trust.Compose(cfg)
	if err != nil {
		return err
	}

	_, err = preflight.Check(ctx, cfg, trustPlan.CertPool(), nil)
	return err
}
