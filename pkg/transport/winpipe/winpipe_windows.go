//go:build windows

package winpipe

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/Microsoft/go-winio"
	"go.uber.org/zap"

	"github.com/vaporos/splinter/pkg/transport"
)

const Scheme = "pipe"

const pipePrefix = `\\.\pipe\`

type Transport struct {
	log  *zap.Logger
	opts []transport.ConnOption
}

type Option func(*Transport)

func WithLogger(l *zap.Logger) Option { return func(t *Transport) { t.log = l } }

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

func (t *Transport) Accepts(address string) bool { return transport.HasScheme(address, Scheme) }

func pipePath(address string) string {
	name := transport.StripScheme(address, Scheme)
	if strings.HasPrefix(name, pipePrefix) {
		return name
	}
	return pipePrefix + name
}

func (t *Transport) Connect(ctx context.Context, endpoint string) (transport.Connection, error) {
	if !t.Accepts(endpoint) {
		return nil, &transport.ConnectError{Kind: transport.KindProtocol, Endpoint: endpoint, Msg: transport.InvalidProtocol(endpoint)}
	}
	c, err := winio.DialPipeContext(ctx, pipePath(endpoint))
	if err != nil {
		return nil, &transport.ConnectError{Kind: transport.KindOf(err), Endpoint: endpoint, Err: err}
	}
	return t.wrap(c, transport.WithScheme(Scheme, "client"), endpoint), nil
}

func (t *Transport) Listen(_ context.Context, bind string) (transport.Listener, error) {
	if !t.Accepts(bind) {
		return nil, &transport.ListenError{Kind: transport.KindProtocol, Bind: bind, Msg: transport.InvalidProtocol(bind)}
	}
	nl, err := winio.ListenPipe(pipePath(bind), nil)
	if err != nil {
		return nil, &transport.ListenError{Kind: transport.KindIO, Bind: bind, Err: err}
	}
	l := &listener{t: t, l: nl, endpoint: bind, conns: make(chan net.Conn), closed: make(chan struct{})}
	go l.acceptLoop()
	return l, nil
}

func (t *Transport) wrap(c net.Conn, local, remote string) transport.Connection {
	return transport.NewFramedConn(
		transport.NewStreamFrames(c), local, remote,
		append([]transport.ConnOption{transport.WithConnLogger(t.log)}, t.opts...)...,
	)
}

// listener pumps the blocking pipe accept into a channel so Accept can
// honour its context.
type listener struct {
	t         *Transport
	l         net.Listener
	endpoint  string
	conns     chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *listener) Endpoint() string { return l.endpoint }

func (l *listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.l.Close()
	})
	return err
}

func (l *listener) acceptLoop() {
	for {
		c, err := l.l.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, winio.ErrPipeListenerClosed) {
				l.t.log.Warn("pipe accept", zap.Error(err))
			}
			return
		}
		select {
		case l.conns <- c:
		case <-l.closed:
			_ = c.Close()
			return
		}
	}
}

func (l *listener) Accept(ctx context.Context) (transport.Connection, error) {
	select {
	case c := <-l.conns:
		return l.t.wrap(c, l.endpoint, transport.WithScheme(Scheme, "client")), nil
	case <-l.closed:
		return nil, &transport.AcceptError{Kind: transport.KindDisconnected, Endpoint: l.endpoint, Msg: "listener closed"}
	case <-ctx.Done():
		return nil, &transport.AcceptError{Kind: transport.KindDisconnected, Endpoint: l.endpoint, Err: ctx.Err()}
	}
}
