package e2e

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()
	return addr
}

// TestSSEServerStartStop verifies that the SSE transport starts,
// accepts connections, and shuts down on ctx cancellation.
func TestSSEServerStartStop(t *testing.T) {
	_, srv := newMCPEnv(t)

	addr := freeAddr(t)
	baseURL := "http://" + addr

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ServeSSE(ctx, addr, baseURL)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get(baseURL + "/sse")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 3*time.Second, 50*time.Millisecond, "SSE server did not start")

	cancel()

	select {
	case srvErr := <-errCh:
		if srvErr != nil {
			assert.ErrorIs(t, srvErr, http.ErrServerClosed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}

// TestSSEPortInUse verifies that a second server on the same port fails
// with a clear error.
func TestSSEPortInUse(t *testing.T) {
	_, srv := newMCPEnv(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	addr := listener.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err = srv.ServeSSE(ctx, addr, "http://"+addr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address already in use")
}
