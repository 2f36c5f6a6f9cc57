package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/stacklok/toolhive-core/env"
	"golang.org/x/sync/errgroup"

	lerrors "github.com/stacklok/netbox-mcp-launcher/pkg/errors"
	"github.com/stacklok/netbox-mcp-launcher/pkg/health"
	"github.com/stacklok/netbox-mcp-launcher/pkg/launch"
	"github.com/stacklok/netbox-mcp-launcher/pkg/launch/config"
	"github.com/stacklok/netbox-mcp-launcher/pkg/logger"
	"github.com/stacklok/netbox-mcp-launcher/pkg/preflight"
	"github.com/stacklok/netbox-mcp-launcher/pkg/supervisor"
	"github.com/stacklok/netbox-mcp-launcher/pkg/trust"
	"github.com/stacklok/netbox-mcp-launcher/pkg/variant"
	"github.com/stacklok/netbox-mcp-launcher/pkg/versions"
)

type runFlags struct {
	dryRun bool
	exec   bool
}

func newRunCmd() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the NetBox MCP server behind the OpenAPI proxy",
		Long: `Start the NetBox MCP server behind the OpenAPI proxy.

The configuration is read from the environment. Required variables are
checked before anything is started; a missing variable ends the launcher with
exit code 78 and no child process.

With --dry-run the composed invocation is printed as a shell script, secrets
redacted, instead of being started.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l := &launcher{
				env:     &env.OSReader{},
				environ: os.Environ(),
				variant: variant.Current(),
				stdout:  cmd.OutOrStdout(),
			}
			return l.run(cmd.Context(), flags)
		},
	}
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Print the composed invocation instead of starting it")
	cmd.Flags().BoolVar(&flags.exec, "exec", false,
		"Replace the launcher with the proxy instead of supervising it (disables the health server)")
	return cmd
}

// launcher carries the process-level inputs of the run command.
type launcher struct {
	env     env.Reader
	environ []string
	variant variant.Variant
	stdout  io.Writer
	// signals replaces the OS signal source of the supervisor when set
	signals <-chan os.Signal
}

// prepare reads and validates the configuration and composes the invocation.
func (l *launcher) prepare() (*config.Config, *trust.Plan, *launch.Plan, error) {
	cfg, err := config.FromEnv(l.env)
	if err != nil {
		return nil, nil, nil, err
	}
	logger.Infow("Starting NetBox MCP launcher",
		"version", versions.Version,
		"variant", string(l.variant),
		"netbox_url", cfg.NetBoxURL,
		"native_tls", cfg.NativeTLS,
		"app_dir", cfg.AppDir,
	)
	if err := cfg.Validate(l.variant); err != nil {
		return nil, nil, nil, err
	}

	trustPlan, err := trust.Compose(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	plan, err := launch.Build(cfg, trustPlan, l.variant, l.environ)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, trustPlan, plan, nil
}

func (l *launcher) run(ctx context.Context, flags *runFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, trustPlan, plan, err := l.prepare()
	if err != nil {
		return err
	}

	if flags.dryRun {
		_, err := fmt.Fprint(l.stdout, plan.Script())
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	status := health.NewStatus(registry)

	if cfg.Preflight {
		if err := l.preflight(ctx, cfg, trustPlan, status); err != nil {
			return err
		}
	}

	logger.Infow("Launching proxy", "command", plan.String())

	if flags.exec {
		if cfg.HealthEnabled {
			logger.Warn("Health server is not available in exec mode")
		}
		return supervisor.Exec(plan.Argv(), plan.Env)
	}

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServing := context.WithCancel(gctx)
	defer stopServing()

	if cfg.HealthEnabled {
		server, err := health.NewServer(cfg.HealthAddr, health.Router(status, registry))
		if err != nil {
			return lerrors.NewLaunchError(fmt.Sprintf("failed to bind health server on %s", cfg.HealthAddr), err, lerrors.ExitGeneric)
		}
		g.Go(func() error {
			return server.Serve(serveCtx)
		})
	}

	var runErr error
	g.Go(func() error {
		defer stopServing()
		runErr = supervisor.Run(gctx, supervisor.Options{
			Argv:            plan.Argv(),
			Env:             plan.Env,
			Stdin:           os.Stdin,
			ShutdownTimeout: cfg.ShutdownTimeout,
			ReadyAddr:       cfg.ProxyAddress(),
			ReadyTimeout:    cfg.ReadyTimeout,
			Status:          status,
			Signals:         l.signals,
		})
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Warnf("Health server stopped with error: %v", err)
	}
	return runErr
}

// preflight checks NetBox. SIGINT and SIGTERM abort it; the supervisor takes
// over signal handling once the proxy starts.
func (*launcher) preflight(ctx context.Context, cfg *config.Config, trustPlan *trust.Plan, status *health.Status) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, err := preflight.Check(ctx, cfg, trustPlan.CertPool(), status)
	return err
}
