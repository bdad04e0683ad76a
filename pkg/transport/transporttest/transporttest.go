// Package transporttest holds conformance checks every transport runs from
// its own tests.
package transporttest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaporos/splinter/pkg/poll"
	"github.com/vaporos/splinter/pkg/transport"
)

// Timeout bounds every blocking helper.
var Timeout = 5 * time.Second

// Send retries c.Send until it stops reporting would-block.
func Send(t testing.TB, c transport.Connection, msg []byte) {
	t.Helper()
	deadline := time.Now().Add(Timeout)
	for {
		err := c.Send(msg)
		if err == nil {
			return
		}
		if !errors.Is(err, transport.ErrWouldBlock) {
			require.NoError(t, err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("send still blocked after %s", Timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Recv retries c.Recv until a message or a hard error arrives.
func Recv(t testing.TB, c transport.Connection) []byte {
	t.Helper()
	b, err := RecvErr(c)
	require.NoError(t, err)
	return b
}

// RecvErr is Recv returning the hard error instead of failing the test.
func RecvErr(c transport.Connection) ([]byte, error) {
	deadline := time.Now().Add(Timeout)
	for {
		b, err := c.Recv()
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, transport.ErrWouldBlock) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Exercise listens on bind, connects to the listener's endpoint and checks
// round-trip fidelity, per-connection ordering and disconnect semantics.
func Exercise(t *testing.T, tr transport.Transport, bind string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()

	l, err := tr.Listen(ctx, bind)
	require.NoError(t, err)
	defer l.Close()
	endpoint := l.Endpoint()
	require.True(t, tr.Accepts(endpoint), "transport must accept its own endpoint %q", endpoint)

	type result struct {
		c   transport.Connection
		err error
	}
	accepted := make(chan result, 1)
	go func() {
		c, err := l.Accept(ctx)
		accepted <- result{c, err}
	}()

	client, err := tr.Connect(ctx, endpoint)
	require.NoError(t, err)
	assert.Equal(t, endpoint, client.RemoteEndpoint())
	assert.NotEmpty(t, client.LocalEndpoint())

	res := <-accepted
	require.NoError(t, res.err)
	server := res.c

	Send(t, client, []byte{0, 1, 2})
	assert.Equal(t, []byte{0, 1, 2}, Recv(t, server))
	Send(t, server, []byte{3, 4, 5})
	assert.Equal(t, []byte{3, 4, 5}, Recv(t, client))

	Send(t, client, []byte{0, 1, 2})
	Send(t, client, []byte{3, 4, 5})
	assert.Equal(t, []byte{0, 1, 2}, Recv(t, server))
	assert.Equal(t, []byte{3, 4, 5}, Recv(t, server))

	require.NoError(t, client.Disconnect())
	err = client.Disconnect()
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrDisconnected)
	assert.ErrorIs(t, client.Send([]byte{1}), transport.ErrDisconnected)
	_, err = client.Recv()
	assert.ErrorIs(t, err, transport.ErrDisconnected)

	_, err = RecvErr(server)
	assert.ErrorIs(t, err, transport.ErrDisconnected, "peer must observe the disconnect")
	_ = server.Disconnect()
}

// ExercisePoll registers many client connections with one poll.Poller and
// checks each reports readable once the server side has written to it.
func ExercisePoll(t *testing.T, tr transport.Transport, bind string) {
	t.Helper()
	const connections = 16
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()

	l, err := tr.Listen(ctx, bind)
	require.NoError(t, err)
	defer l.Close()

	p := poll.New()
	defer p.Close()

	clients := make([]transport.Connection, connections)
	servers := make([]transport.Connection, connections)
	for i := range clients {
		accepted := make(chan transport.Connection, 1)
		go func() {
			c, err := l.Accept(ctx)
			if err != nil {
				close(accepted)
				return
			}
			accepted <- c
		}()
		clients[i], err = tr.Connect(ctx, l.Endpoint())
		require.NoError(t, err)
		s, ok := <-accepted
		require.True(t, ok, "accept %d failed", i)
		servers[i] = s
		require.NoError(t, p.Register(clients[i].Evented(), poll.Token(i), poll.Readable))
	}

	for _, s := range servers {
		Send(t, s, []byte("hello"))
	}

	pending := make(map[poll.Token]bool, connections)
	for i := range clients {
		pending[poll.Token(i)] = true
	}
	events := make([]poll.Event, connections*2)
	deadline := time.Now().Add(Timeout)
	for len(pending) > 0 && time.Now().Before(deadline) {
		n, err := p.Poll(events, 100*time.Millisecond)
		require.NoError(t, err)
		for _, ev := range events[:n] {
			if !pending[ev.Token] {
				continue
			}
			require.True(t, ev.Ready.IsReadable())
			c := clients[ev.Token]
			b, err := c.Recv()
			require.NoError(t, err)
			assert.Equal(t, []byte("hello"), b)
			Send(t, c, []byte("world"))
			delete(pending, ev.Token)
		}
	}
	require.Empty(t, pending, "connections never became readable")

	for i, s := range servers {
		assert.Equal(t, []byte("world"), Recv(t, s))
		_ = s.Disconnect()
		_ = clients[i].Disconnect()
	}
}
