package networking

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DefaultProbeTimeout bounds a single TCP probe.
const DefaultProbeTimeout = 2 * time.Second

// IsListening reports whether something accepts TCP connections on addr.
func IsListening(ctx context.Context, addr string) bool {
	return Probe(ctx, addr) == nil
}

// Probe dials addr once and returns the dial error, if any.
func Probe(ctx context.Context, addr string) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultProbeTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%s is not accepting connections: %w", addr, err)
	}
	return conn.Close()
}
