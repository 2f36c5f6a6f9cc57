package app

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stacklok/netbox-mcp-launcher/pkg/launch/config"
	"github.com/stacklok/netbox-mcp-launcher/pkg/networking"
)

func newHealthcheckCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Exit 0 if the proxy accepts connections",
		Long: `Exit 0 if the proxy accepts TCP connections, 1 otherwise.

Meant for container HEALTHCHECK instructions, where no HTTP client is
available in the image.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHealthcheck(cmd.Context(), addr, timeout)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", fmt.Sprintf("127.0.0.1:%d", config.ProxyPort), "Address to probe")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "Probe timeout")
	return cmd
}

func runHealthcheck(ctx context.Context, addr string, timeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return networking.Probe(ctx, addr)
}
