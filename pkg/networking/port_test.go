package networking

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsListening(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()

	assert.True(t, IsListening(context.Background(), addr))

	require.NoError(t, listener.Close())
	assert.False(t, IsListening(context.Background(), addr))
}

func TestProbeCancelledContext(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, Probe(ctx, listener.Addr().String()))
}
