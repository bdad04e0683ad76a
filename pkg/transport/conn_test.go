package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaporos/splinter/pkg/poll"
)

func pipePair(opts ...ConnOption) (*FramedConn, *FramedConn) {
	a, b := net.Pipe()
	return NewFramedConn(NewStreamFrames(a), "pipe://a", "pipe://b", opts...),
		NewFramedConn(NewStreamFrames(b), "pipe://b", "pipe://a", opts...)
}

func recvWithin(t *testing.T, c Connection, d time.Duration) ([]byte, error) {
	t.Helper()
	deadline := time.Now().Add(d)
	for {
		b, err := c.Recv()
		if !errors.Is(err, ErrWouldBlock) || time.Now().After(deadline) {
			return b, err
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestFramedConnRoundTrip(t *testing.T) {
	a, b := pipePair()
	defer a.Disconnect()
	defer b.Disconnect()

	_, err := a.Recv()
	assert.ErrorIs(t, err, ErrWouldBlock)

	require.NoError(t, a.Send([]byte{0, 1, 2}))
	require.NoError(t, a.Send([]byte{3, 4, 5}))

	got, err := recvWithin(t, b, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, got)
	got, err = recvWithin(t, b, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4, 5}, got)
}

func TestFramedConnSendCopiesMessage(t *testing.T) {
	a, b := pipePair()
	defer a.Disconnect()
	defer b.Disconnect()

	msg := []byte("abc")
	require.NoError(t, a.Send(msg))
	msg[0] = 'X'

	got, err := recvWithin(t, b, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestFramedConnEmptyMessage(t *testing.T) {
	a, b := pipePair()
	defer a.Disconnect()
	defer b.Disconnect()

	require.NoError(t, a.Send(nil))
	got, err := recvWithin(t, b, time.Second)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFramedConnReadiness(t *testing.T) {
	a, b := pipePair()
	defer a.Disconnect()
	defer b.Disconnect()

	p := poll.New()
	defer p.Close()
	require.NoError(t, p.Register(b.Evented(), 1, poll.Readable))
	assert.True(t, a.Evented().Readiness().IsWritable())

	require.NoError(t, a.Send([]byte("ping")))
	events := make([]poll.Event, 1)
	n, err := p.Poll(events, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.True(t, events[0].Ready.IsReadable())

	_, err = b.Recv()
	require.NoError(t, err)
	assert.False(t, b.Evented().Readiness().IsReadable())
}

func TestFramedConnBackpressure(t *testing.T) {
	// the peer never drains, so its reader stalls once its inbox is full
	a, b := pipePair(WithBufferFrames(1, 1))
	defer a.Disconnect()
	defer b.Disconnect()

	var blocked bool
	for i := 0; i < 50; i++ {
		err := a.Send([]byte{byte(i)})
		if errors.Is(err, ErrWouldBlock) {
			blocked = true
			break
		}
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	assert.True(t, blocked, "send never reported would-block")
	assert.False(t, a.Evented().Readiness().IsWritable())
}

func TestFramedConnDisconnect(t *testing.T) {
	a, b := pipePair()

	require.NoError(t, a.Disconnect())
	err := a.Disconnect()
	var de *DisconnectError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, KindDisconnected, de.Kind)

	assert.ErrorIs(t, a.Send([]byte("x")), ErrDisconnected)
	_, err = a.Recv()
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.True(t, a.Evented().Readiness().IsHup())

	_, err = recvWithin(t, b, time.Second)
	var re *RecvError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindDisconnected, re.Kind)
	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, b.Evented().Readiness().IsHup())
	require.NoError(t, b.Disconnect())
}

func TestFramedConnOversizedSend(t *testing.T) {
	a, b := pipePair()
	defer a.Disconnect()
	defer b.Disconnect()

	err := a.Send(make([]byte, MaxFrameSize+1))
	assert.ErrorIs(t, err, ErrProtocol)
	require.NoError(t, a.Send([]byte("still usable")))
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{io.EOF, KindDisconnected},
		{net.ErrClosed, KindDisconnected},
		{&RecvError{Kind: KindProtocol}, KindProtocol},
		{errors.New("boom"), KindIO},
		{&net.OpError{Op: "read", Err: timeoutErr{}}, KindWouldBlock},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, KindOf(c.err), "%v", c.err)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestErrorsMatchSentinels(t *testing.T) {
	err := &ConnectError{Kind: KindProtocol, Endpoint: "ftp://host:1", Msg: InvalidProtocol("ftp://host:1")}
	assert.ErrorIs(t, err, ErrProtocol)
	assert.NotErrorIs(t, err, ErrIO)
	assert.Contains(t, err.Error(), `"ftp://host:1"`)

	wrapped := &SendError{Kind: KindIO, Err: io.ErrShortWrite}
	assert.ErrorIs(t, wrapped, io.ErrShortWrite)
	assert.ErrorIs(t, wrapped, ErrIO)
}

func TestEndpointHelpers(t *testing.T) {
	assert.Equal(t, "ws", Scheme("ws://127.0.0.1:80"))
	assert.Equal(t, "", Scheme("127.0.0.1:80"))
	assert.True(t, HasScheme("tls://h:1", "tls"))
	assert.False(t, HasScheme("tcp://h:1", "tls"))
	assert.Equal(t, "h:1", StripScheme("tcp://h:1", "tcp"))
	assert.Equal(t, "h:1", StripScheme("h:1", "tcp"))
	assert.Equal(t, "inproc://x", WithScheme("inproc", "x"))
}

type fakeListener struct {
	conns []Connection
	errs  []error
	i     int
}

func (f *fakeListener) Accept(context.Context) (Connection, error) {
	i := f.i
	f.i++
	if i < len(f.conns) {
		return f.conns[i], f.errs[i]
	}
	return nil, &AcceptError{Kind: KindDisconnected, Msg: "listener closed"}
}
func (f *fakeListener) Endpoint() string { return "fake://" }
func (f *fakeListener) Close() error     { return nil }

func TestIncomingYieldsUntilListenerCloses(t *testing.T) {
	a, b := pipePair()
	defer a.Disconnect()
	defer b.Disconnect()

	l := &fakeListener{
		conns: []Connection{a, nil, b},
		errs:  []error{nil, &AcceptError{Kind: KindProtocol, Msg: "bad handshake"}, nil},
	}

	var got []Connection
	var errs []error
	for c, err := range Incoming(context.Background(), l) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		got = append(got, c)
	}
	assert.Equal(t, []Connection{a, b}, got)
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], ErrProtocol)
	assert.ErrorIs(t, errs[1], ErrDisconnected)
}

func TestIncomingStopsOnBreak(t *testing.T) {
	a, b := pipePair()
	defer a.Disconnect()
	defer b.Disconnect()

	l := &fakeListener{conns: []Connection{a, b}, errs: []error{nil, nil}}
	for range Incoming(context.Background(), l) {
		break
	}
	assert.Equal(t, 1, l.i)
}
