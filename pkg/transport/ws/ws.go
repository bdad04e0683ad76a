// Package ws is the web-socket transport. Every message travels as a single
// binary frame; any other data frame kind is a protocol error. Endpoints use
// ws:// and are derived from the underlying socket addresses.
package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vaporos/splinter/pkg/transport"
)

const Scheme = "ws"

// closeGrace bounds the close handshake write on Disconnect.
const closeGrace = time.Second

// Transport implements transport.Transport over RFC 6455 web sockets.
type Transport struct {
	log    *zap.Logger
	opts   []transport.ConnOption
	dialer websocket.Dialer
}

type Option func(*Transport)

func WithLogger(l *zap.Logger) Option { return func(t *Transport) { t.log = l } }

func WithConnOptions(opts ...transport.ConnOption) Option {
	return func(t *Transport) { t.opts = append(t.opts, opts...) }
}

func New(opts ...Option) *Transport {
	t := &Transport{
		log: zap.L(),
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
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
	c, resp, err := t.dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		kind := transport.KindOf(err)
		if errors.Is(err, websocket.ErrBadHandshake) {
			kind = transport.KindProtocol
		}
		return nil, &transport.ConnectError{Kind: kind, Endpoint: endpoint, Err: err}
	}
	return t.wrap(c), nil
}

func (t *Transport) Listen(ctx context.Context, bind string) (transport.Listener, error) {
	if !t.Accepts(bind) {
		return nil, &transport.ListenError{Kind: transport.KindProtocol, Bind: bind, Msg: transport.InvalidProtocol(bind)}
	}
	var lc net.ListenConfig
	nl, err := lc.Listen(ctx, "tcp", hostPort(bind))
	if err != nil {
		return nil, &transport.ListenError{Kind: transport.KindIO, Bind: bind, Err: err}
	}
	l := &listener{
		t:      t,
		nl:     nl,
		conns:  make(chan *websocket.Conn),
		closed: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	l.srv = &http.Server{
		Handler:           http.HandlerFunc(l.upgrade),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(t.log),
	}
	go func() {
		if err := l.srv.Serve(nl); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Warn("ws serve", zap.Error(err))
		}
	}()
	t.log.Debug("ws listening", zap.String("addr", nl.Addr().String()))
	return l, nil
}

func (t *Transport) wrap(c *websocket.Conn) transport.Connection {
	c.SetReadLimit(transport.MaxFrameSize)
	return transport.NewFramedConn(
		&frames{c: c},
		transport.WithScheme(Scheme, c.LocalAddr().String()),
		transport.WithScheme(Scheme, c.RemoteAddr().String()),
		append([]transport.ConnOption{transport.WithConnLogger(t.log)}, t.opts...)...,
	)
}

// hostPort drops the scheme and any path from a ws:// address.
func hostPort(address string) string {
	addr := transport.StripScheme(address, Scheme)
	for i := 0; i < len(addr); i++ {
		if addr[i] == '/' {
			return addr[:i]
		}
	}
	return addr
}

type listener struct {
	t        *Transport
	nl       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader

	conns     chan *websocket.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *listener) Endpoint() string { return transport.WithScheme(Scheme, l.nl.Addr().String()) }

// Close stops the HTTP server. Connections already upgraded stay open.
func (l *listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.srv.Close()
	})
	return err
}

// upgrade hands each upgraded socket to a waiting Accept.
func (l *listener) upgrade(w http.ResponseWriter, r *http.Request) {
	c, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.t.log.Debug("ws upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	select {
	case l.conns <- c:
	case <-l.closed:
		_ = c.Close()
	}
}

func (l *listener) Accept(ctx context.Context) (transport.Connection, error) {
	select {
	case c := <-l.conns:
		return l.t.wrap(c), nil
	case <-l.closed:
		return nil, &transport.AcceptError{Kind: transport.KindDisconnected, Endpoint: l.Endpoint(), Msg: "listener closed"}
	case <-ctx.Done():
		return nil, &transport.AcceptError{Kind: transport.KindDisconnected, Endpoint: l.Endpoint(), Err: ctx.Err()}
	}
}

// frames maps one message to one binary web-socket frame.
type frames struct {
	c *websocket.Conn
}

func (f *frames) ReadFrame() ([]byte, error) {
	mt, b, err := f.c.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &transport.RecvError{Kind: transport.KindDisconnected, Err: err}
		}
		if errors.Is(err, websocket.ErrReadLimit) {
			return nil, &transport.RecvError{Kind: transport.KindProtocol, Err: err}
		}
		return nil, err
	}
	if mt != websocket.BinaryMessage {
		return nil, &transport.RecvError{Kind: transport.KindProtocol, Msg: "non-binary web-socket frame"}
	}
	if b == nil {
		b = []byte{}
	}
	return b, nil
}

func (f *frames) WriteFrame(b []byte) error {
	return f.c.WriteMessage(websocket.BinaryMessage, b)
}

// Close sends a normal closure and drops the socket.
func (f *frames) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = f.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	return f.c.Close()
}
