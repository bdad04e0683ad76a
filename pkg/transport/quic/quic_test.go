package quic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaporos/splinter/pkg/transport"
	"github.com/vaporos/splinter/pkg/transport/tls"
	"github.com/vaporos/splinter/pkg/transport/transporttest"
)

func newTransport(t *testing.T) *Transport {
	t.Helper()
	srv, cli, err := tls.SelfSigned(nil)
	require.NoError(t, err)
	return New(srv, cli)
}

func TestTransport(t *testing.T) {
	transporttest.Exercise(t, newTransport(t), "quic://127.0.0.1:0")
}

func TestPoll(t *testing.T) {
	transporttest.ExercisePoll(t, newTransport(t), "quic://127.0.0.1:0")
}

func TestALPNDefaults(t *testing.T) {
	tr := newTransport(t)
	assert.Equal(t, []string{ALPN}, tr.server.NextProtos)
	assert.Equal(t, []string{ALPN}, tr.client.NextProtos)
}

func TestListenWithoutCertificate(t *testing.T) {
	_, err := New(nil, nil).Listen(context.Background(), "quic://127.0.0.1:0")
	assert.ErrorIs(t, err, transport.ErrIO)
}

func TestListenerCloseEndsAccept(t *testing.T) {
	tr := newTransport(t)
	l, err := tr.Listen(context.Background(), "quic://127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, l.Close())
	_, err = l.Accept(context.Background())
	assert.ErrorIs(t, err, transport.ErrDisconnected)
}

func TestAccepts(t *testing.T) {
	tr := New(nil, nil)
	assert.True(t, tr.Accepts("quic://127.0.0.1:1"))
	assert.False(t, tr.Accepts("127.0.0.1:1"))
	_, err := tr.Connect(context.Background(), "ws://127.0.0.1:1")
	assert.ErrorIs(t, err, transport.ErrProtocol)
}
