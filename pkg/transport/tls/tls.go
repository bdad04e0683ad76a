// Package tls is the encrypted stream transport: the tcp framing over a TLS
// session. Endpoints use tls://. Certificates are supplied by the caller.
package tls

import (
	"context"
	stdtls "crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vaporos/splinter/pkg/transport"
)

const Scheme = "tls"

// HandshakeTimeout bounds the server side handshake of one inbound link.
var HandshakeTimeout = 10 * time.Second

// Transport implements transport.Transport over TLS 1.2+.
type Transport struct {
	server *stdtls.Config
	client *stdtls.Config
	log    *zap.Logger
	opts   []transport.ConnOption
}

type Option func(*Transport)

func WithLogger(l *zap.Logger) Option { return func(t *Transport) { t.log = l } }

func WithConnOptions(opts ...transport.ConnOption) Option {
	return func(t *Transport) { t.opts = append(t.opts, opts...) }
}

// New builds a TLS transport. server is used by listeners and client by
// Connect; either may be nil when that side is never used.
func New(server, client *stdtls.Config, opts ...Option) *Transport {
	t := &Transport{server: server, client: client, log: zap.L()}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Transport) Accepts(address string) bool { return transport.HasScheme(address, Scheme) }

func (t *Transport) Connect(ctx context.Context, endpoint string) (transport.Connection, error) {
	if !t.Accepts(endpoint) {
		return nil, &transport.ConnectError{Kind: transport.KindProtocol, Endpoint: endpoint, Msg: transport.InvalidProtocol(endpoint)}
	}
	if t.client == nil {
		return nil, &transport.ConnectError{Kind: transport.KindIO, Endpoint: endpoint, Msg: "no client tls config"}
	}
	addr := transport.StripScheme(endpoint, Scheme)
	cfg := t.client.Clone()
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			cfg.ServerName = host
		}
	}
	d := stdtls.Dialer{Config: cfg}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &transport.ConnectError{Kind: dialKind(err), Endpoint: endpoint, Err: err}
	}
	return t.wrap(c), nil
}

func (t *Transport) Listen(ctx context.Context, bind string) (transport.Listener, error) {
	if !t.Accepts(bind) {
		return nil, &transport.ListenError{Kind: transport.KindProtocol, Bind: bind, Msg: transport.InvalidProtocol(bind)}
	}
	if t.server == nil || (len(t.server.Certificates) == 0 && t.server.GetCertificate == nil) {
		return nil, &transport.ListenError{Kind: transport.KindIO, Bind: bind, Msg: "no server certificate"}
	}
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", transport.StripScheme(bind, Scheme))
	if err != nil {
		return nil, &transport.ListenError{Kind: transport.KindIO, Bind: bind, Err: err}
	}
	t.log.Debug("tls listening", zap.String("addr", l.Addr().String()))
	return newListener(t, l), nil
}

func (t *Transport) wrap(c net.Conn) transport.Connection {
	return transport.NewFramedConn(
		transport.NewStreamFrames(c),
		transport.WithScheme(Scheme, c.LocalAddr().String()),
		transport.WithScheme(Scheme, c.RemoteAddr().String()),
		append([]transport.ConnOption{transport.WithConnLogger(t.log)}, t.opts...)...,
	)
}

// accepted is one finished inbound handshake: a connection or the error
// that ended it.
type accepted struct {
	conn transport.Connection
	err  error
}

// listener accepts TCP links on one goroutine and handshakes each on its
// own, so a stalled client never holds up the others.
type listener struct {
	l      net.Listener
	t      *Transport
	ctx    context.Context
	cancel context.CancelFunc

	ready     chan accepted
	closed    chan struct{}
	closeOnce sync.Once
}

func newListener(t *Transport, l net.Listener) *listener {
	ctx, cancel := context.WithCancel(context.Background())
	ln := &listener{
		l:      l,
		t:      t,
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan accepted),
		closed: make(chan struct{}),
	}
	go ln.acceptLoop()
	return ln
}

func (l *listener) Endpoint() string { return transport.WithScheme(Scheme, l.l.Addr().String()) }

// Close stops accepting and aborts handshakes in flight. Connections already
// returned by Accept stay open.
func (l *listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		l.cancel()
		err = l.l.Close()
	})
	return err
}

func (l *listener) acceptLoop() {
	for {
		raw, err := l.l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.deliver(accepted{err: &transport.AcceptError{Kind: transport.KindIO, Endpoint: l.Endpoint(), Err: err}})
			continue
		}
		go l.handshake(raw)
	}
}

func (l *listener) handshake(raw net.Conn) {
	c := stdtls.Server(raw, l.t.server)
	ctx, cancel := context.WithTimeout(l.ctx, HandshakeTimeout)
	defer cancel()
	if err := c.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		l.t.log.Debug("tls handshake failed", zap.String("remote", raw.RemoteAddr().String()), zap.Error(err))
		l.deliver(accepted{err: &transport.AcceptError{Kind: transport.KindProtocol, Endpoint: l.Endpoint(), Msg: "tls handshake", Err: err}})
		return
	}
	if !l.deliver(accepted{conn: l.t.wrap(c)}) {
		_ = c.Close()
	}
}

// deliver hands a result to a waiting Accept and reports false once the
// listener is closed.
func (l *listener) deliver(a accepted) bool {
	select {
	case l.ready <- a:
		return true
	case <-l.closed:
		return false
	}
}

// Accept returns the next link whose handshake finished. A failed handshake
// is a protocol-kind error and the listener keeps going.
func (l *listener) Accept(ctx context.Context) (transport.Connection, error) {
	select {
	case a := <-l.ready:
		return a.conn, a.err
	case <-l.closed:
		return nil, &transport.AcceptError{Kind: transport.KindDisconnected, Endpoint: l.Endpoint(), Msg: "listener closed"}
	case <-ctx.Done():
		return nil, &transport.AcceptError{Kind: transport.KindDisconnected, Endpoint: l.Endpoint(), Err: ctx.Err()}
	}
}

func dialKind(err error) transport.ErrorKind {
	var recordErr stdtls.RecordHeaderError
	var certErr *stdtls.CertificateVerificationError
	if errors.As(err, &recordErr) || errors.As(err, &certErr) {
		return transport.KindProtocol
	}
	return transport.KindOf(err)
}
