package supervisor

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/netbox-mcp-launcher/pkg/health"
	"github.com/stacklok/netbox-mcp-launcher/pkg/logger"
	"github.com/stacklok/netbox-mcp-launcher/pkg/networking"
)

const (
	readyInitialInterval = 250 * time.Millisecond
	readyMaxInterval     = 5 * time.Second
)

// watchReadiness polls addr until it accepts connections and keeps the
// readiness flag current until ctx is done. Missing the ready timeout is
// logged but does not stop the proxy; the orchestrator decides what to do
// with an unready pod.
func watchReadiness(ctx context.Context, addr string, timeout time.Duration, status *health.Status) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = readyInitialInterval
	b.MaxInterval = readyMaxInterval

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debugf("Proxy not ready yet, retrying in %s: %v", next, err)
		}),
	}
	if timeout > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(timeout))
	}

	started := time.Now()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, networking.Probe(ctx, addr)
	}, opts...)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		logger.Errorf("Proxy did not become ready on %s within %s: %v", addr, timeout, err)
	} else {
		status.MarkReady(true)
		logger.Infow("Proxy is ready", "addr", addr, "after", time.Since(started).Round(time.Millisecond).String())
	}

	ticker := time.NewTicker(readyMaxInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ready := networking.IsListening(ctx, addr)
			if ready != status.Ready() {
				logger.Infow("Proxy readiness changed", "addr", addr, "ready", ready)
			}
			status.MarkReady(ready)
		}
	}
}
