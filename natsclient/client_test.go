package natsclient

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epeer1/axon-vision-ha/errors"
)

func TestConnectionStatus_String(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{StatusClosed, "closed"},
		{ConnectionStatus(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestNewClient(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithName("vidpipe-test"),
		WithMaxReconnects(3),
		WithReconnectWait(time.Second),
		WithDrainTimeout(time.Second),
	)
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.Equal(t, 3, c.maxReconnects)
	assert.Equal(t, "vidpipe-test", c.clientName)
}

func TestNewClient_InvalidOption(t *testing.T) {
	_, err := NewClient("nats://localhost:4222", WithTimeout(0))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestClient_PublishWithoutConnection(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.ErrorIs(t, c.Publish("vidpipe.logs.x", []byte("{}")), ErrNotConnected)
	assert.ErrorIs(t, c.Subscribe("vidpipe.>", func(string, []byte) {}), ErrNotConnected)
	assert.Equal(t, uint64(1), c.Failed())
	assert.Zero(t, c.Published())
}

func TestClient_ConnectRefused(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1", WithTimeout(200*time.Millisecond), WithMaxReconnects(0))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = c.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestClient_CloseIdempotent(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, StatusClosed, c.Status())

	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestClient_Integration_PublishSubscribe(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run against a NATS container")
	}
	tc := NewTestClient(t)
	c := tc.Client
	assert.True(t, c.IsHealthy())

	var mu sync.Mutex
	var got []string
	require.NoError(t, c.Subscribe("vidpipe.test.>", func(subject string, data []byte) {
		mu.Lock()
		got = append(got, subject+"="+string(data))
		mu.Unlock()
	}))

	require.NoError(t, c.Publish("vidpipe.test.a", []byte("1")))
	require.NoError(t, c.Publish("vidpipe.test.b", []byte("2")))
	require.NoError(t, c.Flush(context.Background()))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"vidpipe.test.a=1", "vidpipe.test.b=2"}, got)
	assert.Equal(t, uint64(2), c.Published())
}
