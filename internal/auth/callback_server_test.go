package auth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func startCallbackServer(t *testing.T) (*CallbackServer, int) {
	t.Helper()
	port := freePort(t)
	server := NewCallbackServer(port)
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		_ = server.Stop(context.Background())
	})
	// Wait until the listener accepts connections.
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", port), 100*time.Millisecond)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)
	return server, port
}

func TestCallbackDeliversCodeAndState(t *testing.T) {
	server, port := startCallbackServer(t)

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/callback?code=abc&state=xyz", port))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	result, err := server.WaitForCallback(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "abc", result.Code)
	assert.Equal(t, "xyz", result.State)
	assert.Empty(t, result.Error)
}

func TestCallbackWithErrorParameter(t *testing.T) {
	server, port := startCallbackServer(t)

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/callback?error=access_denied", port))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	result, err := server.WaitForCallback(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "access_denied", result.Error)
}

func TestDuplicateCallbackIsDropped(t *testing.T) {
	server, port := startCallbackServer(t)

	for i := 0; i < 2; i++ {
		resp, err := http.Get(fmt.Sprintf("http://localhost:%d/callback?code=first&state=s", port))
		require.NoError(t, err)
		_ = resp.Body.Close()
	}

	result, err := server.WaitForCallback(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", result.Code)

	// The replayed redirect must not produce a second result.
	_, err = server.WaitForCallback(context.Background(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestWaitForCallbackHonorsContext(t *testing.T) {
	server, _ := startCallbackServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := server.WaitForCallback(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
