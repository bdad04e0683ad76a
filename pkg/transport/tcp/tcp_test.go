package tcp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaporos/splinter/pkg/transport"
	"github.com/vaporos/splinter/pkg/transport/transporttest"
)

func TestTransport(t *testing.T) {
	transporttest.Exercise(t, New(), "127.0.0.1:0")
}

func TestTransportWithScheme(t *testing.T) {
	transporttest.Exercise(t, New(), "tcp://127.0.0.1:0")
}

func TestPoll(t *testing.T) {
	transporttest.ExercisePoll(t, New(), "127.0.0.1:0")
}

func TestAccepts(t *testing.T) {
	tr := New()
	assert.True(t, tr.Accepts("127.0.0.1:8080"))
	assert.True(t, tr.Accepts("tcp://127.0.0.1:8080"))
	assert.False(t, tr.Accepts("ws://127.0.0.1:8080"))
	assert.False(t, tr.Accepts("tls://127.0.0.1:8080"))
	assert.True(t, tr.Accepts(":0"))
	assert.True(t, tr.Accepts("[::1]:8080"))
	assert.True(t, tr.Accepts("localhost:8080"))
}

func TestAcceptsRejectsMalformedScheme(t *testing.T) {
	tr := New()
	for _, address := range []string{"ftp:/host:1", "://x", "://127.0.0.1:1", "tcp:/127.0.0.1:1", "host/path:1", "127.0.0.1", ""} {
		assert.False(t, tr.Accepts(address), address)
	}
	_, err := tr.Connect(context.Background(), "ftp:/host:1")
	assert.ErrorIs(t, err, transport.ErrProtocol)
}

func TestRejectsForeignScheme(t *testing.T) {
	tr := New()
	_, err := tr.Connect(context.Background(), "ftp://127.0.0.1:1")
	assert.ErrorIs(t, err, transport.ErrProtocol)
	assert.Contains(t, err.Error(), "ftp://127.0.0.1:1")

	_, err = tr.Listen(context.Background(), "ws://127.0.0.1:0")
	assert.ErrorIs(t, err, transport.ErrProtocol)
}

func TestConnectRefused(t *testing.T) {
	tr := New()
	l, err := tr.Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	endpoint := l.Endpoint()
	require.NoError(t, l.Close())

	_, err = tr.Connect(context.Background(), endpoint)
	var ce *transport.ConnectError
	require.ErrorAs(t, err, &ce)
	assert.NotEqual(t, transport.KindProtocol, ce.Kind)
}

func TestAcceptHonoursContextAndClose(t *testing.T) {
	tr := New()
	l, err := tr.Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Accept(ctx)
	assert.ErrorIs(t, err, transport.ErrDisconnected)

	// the listener survives an abandoned accept
	accepted := make(chan error, 1)
	go func() {
		c, err := l.Accept(context.Background())
		if c != nil {
			_ = c.Disconnect()
		}
		accepted <- err
	}()
	c, err := tr.Connect(context.Background(), l.Endpoint())
	require.NoError(t, err)
	defer c.Disconnect()
	require.NoError(t, <-accepted)

	go func() { accepted <- func() error { _, err := l.Accept(context.Background()); return err }() }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, l.Close())
	assert.ErrorIs(t, <-accepted, transport.ErrDisconnected)
}
