// Package mem is the in-process loopback transport. Connections are
// net.Pipe pairs carrying the tcp framing, so no network stack is touched.
// Endpoints look like inproc://name and are scoped to one Transport value.
package mem

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vaporos/splinter/pkg/transport"
)

const Scheme = "inproc"

// backlog is how many dialled connections may wait for Accept.
const backlog = 8

// Transport keeps the registry of named listeners.
type Transport struct {
	log  *zap.Logger
	opts []transport.ConnOption

	mu        sync.Mutex
	listeners map[string]*listener
	seq       atomic.Uint64
}

type Option func(*Transport)

func WithLogger(l *zap.Logger) Option { return func(t *Transport) { t.log = l } }

func WithConnOptions(opts ...transport.ConnOption) Option {
	return func(t *Transport) { t.opts = append(t.opts, opts...) }
}

func New(opts ...Option) *Transport {
	t := &Transport{log: zap.L(), listeners: make(map[string]*listener)}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Transport) Accepts(address string) bool { return transport.HasScheme(address, Scheme) }

// Listen registers name. An empty name gets a random one; the chosen name
// is visible through Endpoint.
func (t *Transport) Listen(_ context.Context, bind string) (transport.Listener, error) {
	if !t.Accepts(bind) {
		return nil, &transport.ListenError{Kind: transport.KindProtocol, Bind: bind, Msg: transport.InvalidProtocol(bind)}
	}
	name := transport.StripScheme(bind, Scheme)
	if name == "" {
		name = uuid.NewString()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[name]; ok {
		return nil, &transport.ListenError{Kind: transport.KindIO, Bind: bind, Msg: "address already in use"}
	}
	l := &listener{t: t, name: name, pending: make(chan *pipe, backlog), closed: make(chan struct{})}
	t.listeners[name] = l
	t.log.Debug("inproc listening", zap.String("name", name))
	return l, nil
}

// Connect hands one end of a pipe to the named listener. It blocks while
// the listener backlog is full.
func (t *Transport) Connect(ctx context.Context, endpoint string) (transport.Connection, error) {
	if !t.Accepts(endpoint) {
		return nil, &transport.ConnectError{Kind: transport.KindProtocol, Endpoint: endpoint, Msg: transport.InvalidProtocol(endpoint)}
	}
	name := transport.StripScheme(endpoint, Scheme)
	t.mu.Lock()
	l := t.listeners[name]
	t.mu.Unlock()
	if l == nil {
		return nil, &transport.ConnectError{Kind: transport.KindIO, Endpoint: endpoint, Msg: "connection refused"}
	}

	local := fmt.Sprintf("%s/%d", l.Endpoint(), t.seq.Add(1))
	srv, cli := net.Pipe()
	select {
	case l.pending <- &pipe{Conn: srv, remote: local}:
	case <-l.closed:
		_ = srv.Close()
		_ = cli.Close()
		return nil, &transport.ConnectError{Kind: transport.KindIO, Endpoint: endpoint, Msg: "connection refused"}
	case <-ctx.Done():
		_ = srv.Close()
		_ = cli.Close()
		return nil, &transport.ConnectError{Kind: transport.KindIO, Endpoint: endpoint, Err: ctx.Err()}
	}
	return t.wrap(cli, local, l.Endpoint()), nil
}

func (t *Transport) wrap(c net.Conn, local, remote string) transport.Connection {
	return transport.NewFramedConn(
		transport.NewStreamFrames(c), local, remote,
		append([]transport.ConnOption{transport.WithConnLogger(t.log)}, t.opts...)...,
	)
}

// pipe is the server half of a dialled pair, tagged with the dialler's
// endpoint.
type pipe struct {
	net.Conn
	remote string
}

type listener struct {
	t         *Transport
	name      string
	pending   chan *pipe
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *listener) Endpoint() string { return transport.WithScheme(Scheme, l.name) }

func (l *listener) Accept(ctx context.Context) (transport.Connection, error) {
	select {
	case c := <-l.pending:
		return l.t.wrap(c, l.Endpoint(), c.remote), nil
	case <-l.closed:
		return nil, &transport.AcceptError{Kind: transport.KindDisconnected, Endpoint: l.Endpoint(), Msg: "listener closed"}
	case <-ctx.Done():
		return nil, &transport.AcceptError{Kind: transport.KindDisconnected, Endpoint: l.Endpoint(), Err: ctx.Err()}
	}
}

// Close unregisters the name and drops connections nobody accepted.
func (l *listener) Close() error {
	l.closeOnce.Do(func() {
		l.t.mu.Lock()
		if l.t.listeners[l.name] == l {
			delete(l.t.listeners, l.name)
		}
		l.t.mu.Unlock()
		close(l.closed)
		for {
			select {
			case c := <-l.pending:
				_ = c.Close()
			default:
				return
			}
		}
	})
	return nil
}
