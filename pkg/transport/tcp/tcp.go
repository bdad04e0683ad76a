// Package tcp is the raw stream transport: length-prefixed frames (u32 LE)
// over a TCP socket. It accepts bare host:port endpoints and tcp://.
package tcp

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vaporos/splinter/pkg/transport"
)

const Scheme = "tcp"

// Transport implements transport.Transport over plain TCP.
type Transport struct {
	log  *zap.Logger
	opts []transport.ConnOption
}

type Option func(*Transport)

func WithLogger(l *zap.Logger) Option { return func(t *Transport) { t.log = l } }

// WithConnOptions forwards options to every connection created.
func WithConnOptions(opts ...transport.ConnOption) Option {
	return func(t *Transport) { t.opts = append(t.opts, opts...) }
}

func New(opts ...Option) *Transport {
	t := &Transport{log: zap.L()}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Accepts matches tcp:// and bare host:port addresses. Anything else that
// looks like a scheme, well formed or not, belongs to another transport.
func (t *Transport) Accepts(address string) bool {
	if transport.HasScheme(address, Scheme) {
		return true
	}
	if strings.Contains(address, "/") {
		return false
	}
	_, _, err := net.SplitHostPort(address)
	return err == nil
}

func (t *Transport) Connect(ctx context.Context, endpoint string) (transport.Connection, error) {
	if !t.Accepts(endpoint) {
		return nil, &transport.ConnectError{Kind: transport.KindProtocol, Endpoint: endpoint, Msg: transport.InvalidProtocol(endpoint)}
	}
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", transport.StripScheme(endpoint, Scheme))
	if err != nil {
		return nil, &transport.ConnectError{Kind: transport.KindOf(err), Endpoint: endpoint, Err: err}
	}
	return t.wrap(c), nil
}

func (t *Transport) Listen(ctx context.Context, bind string) (transport.Listener, error) {
	if !t.Accepts(bind) {
		return nil, &transport.ListenError{Kind: transport.KindProtocol, Bind: bind, Msg: transport.InvalidProtocol(bind)}
	}
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", transport.StripScheme(bind, Scheme))
	if err != nil {
		return nil, &transport.ListenError{Kind: transport.KindIO, Bind: bind, Err: err}
	}
	t.log.Debug("tcp listening", zap.String("addr", l.Addr().String()))
	return &listener{l: l, t: t}, nil
}

func (t *Transport) wrap(c net.Conn) transport.Connection {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return transport.NewFramedConn(
		transport.NewStreamFrames(c),
		transport.WithScheme(Scheme, c.LocalAddr().String()),
		transport.WithScheme(Scheme, c.RemoteAddr().String()),
		append([]transport.ConnOption{transport.WithConnLogger(t.log)}, t.opts...)...,
	)
}

type listener struct {
	l net.Listener
	t *Transport
}

func (l *listener) Endpoint() string { return transport.WithScheme(Scheme, l.l.Addr().String()) }

func (l *listener) Close() error { return l.l.Close() }

func (l *listener) Accept(ctx context.Context) (transport.Connection, error) {
	c, err := AcceptContext(ctx, l.l)
	if err != nil {
		return nil, &transport.AcceptError{Kind: acceptKind(err), Endpoint: l.Endpoint(), Err: err}
	}
	return l.t.wrap(c), nil
}

// AcceptContext runs l.Accept and gives up when ctx is done by expiring
// the listener deadline. The listener stays usable afterwards.
func AcceptContext(ctx context.Context, l net.Listener) (net.Conn, error) {
	dl, ok := l.(interface{ SetDeadline(time.Time) error })
	if !ok || ctx.Done() == nil {
		return l.Accept()
	}
	stop := make(chan struct{})
	watcher := make(chan struct{})
	go func() {
		defer close(watcher)
		select {
		case <-ctx.Done():
			_ = dl.SetDeadline(time.Now())
		case <-stop:
		}
	}()
	c, err := l.Accept()
	close(stop)
	<-watcher
	if ctx.Err() != nil {
		_ = dl.SetDeadline(time.Time{})
		if err == nil {
			return c, nil
		}
		return nil, ctx.Err()
	}
	return c, err
}

func acceptKind(err error) transport.ErrorKind {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return transport.KindDisconnected
	}
	return transport.KindIO
}
