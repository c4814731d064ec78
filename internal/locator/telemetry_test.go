package locator_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/marker.locator/internal/locator"
	"github.com/banshee-data/marker.locator/internal/telemetry"
)

func listening(t *testing.T) *telemetry.Server {
	t.Helper()
	srv := telemetry.NewServer(telemetry.ServerConfig{Address: "127.0.0.1:0"})
	require.NoError(t, srv.Listen())
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestAcceptClient_Background(t *testing.T) {
	quiet(t)
	srv := listening(t)

	result, err := locator.AcceptClient(context.Background(), srv, false)
	require.NoError(t, err)
	assert.Equal(t, telemetry.AwaitingClient, srv.State(), "returns before a client connects")

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("accept did not complete")
	}
	assert.Equal(t, telemetry.Connected, srv.State())
}

func TestAcceptClient_BlockingCancelled(t *testing.T) {
	quiet(t)
	srv := listening(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := locator.AcceptClient(ctx, srv, true)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, telemetry.Disconnected, srv.State())
}
