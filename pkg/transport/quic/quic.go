// Package quic carries connections over one bidirectional QUIC stream per
// session, framed like tcp. Endpoints use quic://.
//
// The dialer opens the stream and writes an empty hello frame so the
// listener learns about the stream without waiting for application data.
package quic

import (
	"context"
	stdtls "crypto/tls"
	"errors"
	"io"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/vaporos/splinter/pkg/transport"
)

const (
	Scheme = "quic"
	// ALPN is the application protocol negotiated when the caller's TLS
	// config names none.
	ALPN = "splinter"
)

// StreamTimeout bounds how long Accept waits for the dialer's stream.
var StreamTimeout = 10 * time.Second

// Transport implements transport.Transport over quic-go.
type Transport struct {
	server *stdtls.Config
	client *stdtls.Config
	conf   *quicgo.Config
	log    *zap.Logger
	opts   []transport.ConnOption
}

type Option func(*Transport)

func WithLogger(l *zap.Logger) Option { return func(t *Transport) { t.log = l } }

func WithConnOptions(opts ...transport.ConnOption) Option {
	return func(t *Transport) { t.opts = append(t.opts, opts...) }
}

// WithConfig overrides the quic-go connection settings.
func WithConfig(c *quicgo.Config) Option { return func(t *Transport) { t.conf = c } }

// New builds a QUIC transport from TLS configs; either may be nil when
// that side is never used.
func New(server, client *stdtls.Config, opts ...Option) *Transport {
	t := &Transport{
		server: withALPN(server),
		client: withALPN(client),
		conf:   &quicgo.Config{KeepAlivePeriod: 15 * time.Second, MaxIdleTimeout: time.Minute},
		log:    zap.L(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func withALPN(c *stdtls.Config) *stdtls.Config {
	if c == nil {
		return nil
	}
	c = c.Clone()
	if len(c.NextProtos) == 0 {
		c.NextProtos = []string{ALPN}
	}
	if c.MinVersion < stdtls.VersionTLS13 {
		c.MinVersion = stdtls.VersionTLS13
	}
	return c
}

func (t *Transport) Accepts(address string) bool { return transport.HasScheme(address, Scheme) }

func (t *Transport) Connect(ctx context.Context, endpoint string) (transport.Connection, error) {
	if !t.Accepts(endpoint) {
		return nil, &transport.ConnectError{Kind: transport.KindProtocol, Endpoint: endpoint, Msg: transport.InvalidProtocol(endpoint)}
	}
	if t.client == nil {
		return nil, &transport.ConnectError{Kind: transport.KindIO, Endpoint: endpoint, Msg: "no client tls config"}
	}
	qc, err := quicgo.DialAddr(ctx, transport.StripScheme(endpoint, Scheme), t.client, t.conf)
	if err != nil {
		return nil, &transport.ConnectError{Kind: dialKind(err), Endpoint: endpoint, Err: err}
	}
	st, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "")
		return nil, &transport.ConnectError{Kind: transport.KindIO, Endpoint: endpoint, Msg: "open stream", Err: err}
	}
	f := newFrames(qc, st)
	if err := f.WriteFrame(nil); err != nil {
		_ = f.Close()
		return nil, &transport.ConnectError{Kind: transport.KindIO, Endpoint: endpoint, Msg: "hello", Err: err}
	}
	return t.wrap(qc, f), nil
}

func (t *Transport) Listen(_ context.Context, bind string) (transport.Listener, error) {
	if !t.Accepts(bind) {
		return nil, &transport.ListenError{Kind: transport.KindProtocol, Bind: bind, Msg: transport.InvalidProtocol(bind)}
	}
	if t.server == nil || (len(t.server.Certificates) == 0 && t.server.GetCertificate == nil) {
		return nil, &transport.ListenError{Kind: transport.KindIO, Bind: bind, Msg: "no server certificate"}
	}
	ql, err := quicgo.ListenAddr(transport.StripScheme(bind, Scheme), t.server, t.conf)
	if err != nil {
		return nil, &transport.ListenError{Kind: transport.KindIO, Bind: bind, Err: err}
	}
	t.log.Debug("quic listening", zap.String("addr", ql.Addr().String()))
	return &listener{l: ql, t: t}, nil
}

func (t *Transport) wrap(qc quicgo.Connection, f *frames) transport.Connection {
	return transport.NewFramedConn(
		f,
		transport.WithScheme(Scheme, qc.LocalAddr().String()),
		transport.WithScheme(Scheme, qc.RemoteAddr().String()),
		append([]transport.ConnOption{transport.WithConnLogger(t.log)}, t.opts...)...,
	)
}

type listener struct {
	l *quicgo.Listener
	t *Transport
}

func (l *listener) Endpoint() string { return transport.WithScheme(Scheme, l.l.Addr().String()) }

func (l *listener) Close() error { return l.l.Close() }

// Accept waits for a session and its first stream. A session that never
// opens a stream or sends a malformed hello is a protocol-kind error.
func (l *listener) Accept(ctx context.Context) (transport.Connection, error) {
	qc, err := l.l.Accept(ctx)
	if err != nil {
		kind := transport.KindIO
		if errors.Is(err, quicgo.ErrServerClosed) || ctx.Err() != nil {
			kind = transport.KindDisconnected
		}
		return nil, &transport.AcceptError{Kind: kind, Endpoint: l.Endpoint(), Err: err}
	}
	sctx, cancel := context.WithTimeout(ctx, StreamTimeout)
	defer cancel()
	st, err := qc.AcceptStream(sctx)
	if err != nil {
		_ = qc.CloseWithError(0, "no stream")
		return nil, &transport.AcceptError{Kind: transport.KindProtocol, Endpoint: l.Endpoint(), Msg: "no stream", Err: err}
	}
	f := newFrames(qc, st)
	hello, err := f.ReadFrame()
	if err != nil || len(hello) != 0 {
		_ = f.Close()
		return nil, &transport.AcceptError{Kind: transport.KindProtocol, Endpoint: l.Endpoint(), Msg: "bad hello", Err: err}
	}
	return l.t.wrap(qc, f), nil
}

// frames is the stream framing bound to the owning session, so closing the
// link tears down the whole session.
type frames struct {
	transport.FrameIO
	qc quicgo.Connection
}

func newFrames(qc quicgo.Connection, st quicgo.Stream) *frames {
	return &frames{FrameIO: transport.NewStreamFrames(st), qc: qc}
}

func (f *frames) ReadFrame() ([]byte, error) {
	b, err := f.FrameIO.ReadFrame()
	if err != nil {
		return nil, classify(err)
	}
	return b, nil
}

func (f *frames) WriteFrame(b []byte) error {
	if err := f.FrameIO.WriteFrame(b); err != nil {
		return classify(err)
	}
	return nil
}

func (f *frames) Close() error {
	_ = f.FrameIO.Close()
	return f.qc.CloseWithError(0, "")
}

// classify turns session and stream teardown into disconnects.
func classify(err error) error {
	var (
		appErr    *quicgo.ApplicationError
		streamErr *quicgo.StreamError
		idleErr   *quicgo.IdleTimeoutError
		resetErr  *quicgo.StatelessResetError
	)
	if errors.As(err, &appErr) || errors.As(err, &streamErr) || errors.As(err, &idleErr) ||
		errors.As(err, &resetErr) || errors.Is(err, io.EOF) {
		return &transport.RecvError{Kind: transport.KindDisconnected, Err: err}
	}
	return err
}

func dialKind(err error) transport.ErrorKind {
	var tErr *quicgo.TransportError
	if errors.As(err, &tErr) && tErr.ErrorCode.IsCryptoError() {
		return transport.KindProtocol
	}
	var certErr *stdtls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return transport.KindProtocol
	}
	return transport.KindOf(err)
}
