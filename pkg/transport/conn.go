package transport

import (
	"sync"

	"go.uber.org/zap"

	"github.com/vaporos/splinter/pkg/poll"
)

// DefaultBufferFrames is the default depth of a FramedConn's inbound and
// outbound frame buffers.
const DefaultBufferFrames = 8

type connOptions struct {
	inFrames  int
	outFrames int
	log       *zap.Logger
}

// ConnOption configures a FramedConn.
type ConnOption func(*connOptions)

// WithBufferFrames sets how many frames may wait in each direction before
// Recv has something to return or Send reports would-block.
func WithBufferFrames(in, out int) ConnOption {
	return func(o *connOptions) {
		if in > 0 {
			o.inFrames = in
		}
		if out > 0 {
			o.outFrames = out
		}
	}
}

// WithConnLogger sets the logger used for link failures.
func WithConnLogger(l *zap.Logger) ConnOption {
	return func(o *connOptions) {
		if l != nil {
			o.log = l
		}
	}
}

var (
	recvWouldBlock = &RecvError{Kind: KindWouldBlock}
	sendWouldBlock = &SendError{Kind: KindWouldBlock}
)

// FramedConn adapts a blocking FrameIO to the non-blocking Connection
// contract. One goroutine reads frames into a bounded inbox and one writes
// frames from a bounded outbox; both park on the runtime netpoller, so the
// connection never needs a dedicated OS thread. Readiness is published to
// the connection's poll.Handle after every state change.
//
// A full inbox stops the reader, which leaves unread bytes in the kernel
// and pushes back on the remote sender.
type FramedConn struct {
	fio    FrameIO
	local  string
	remote string
	handle *poll.Handle
	log    *zap.Logger

	inbox  chan []byte
	outbox chan []byte
	done   chan struct{}

	// mu guards the fields below and serialises readiness publication so
	// the last published state is always the current one.
	mu     sync.Mutex
	closed bool
	rerr   error
	werr   error
}

// NewFramedConn starts the I/O goroutines for fio and returns the
// connection. local and remote are the scheme-qualified endpoints.
func NewFramedConn(fio FrameIO, local, remote string, opts ...ConnOption) *FramedConn {
	o := connOptions{inFrames: DefaultBufferFrames, outFrames: DefaultBufferFrames, log: zap.L()}
	for _, opt := range opts {
		opt(&o)
	}
	c := &FramedConn{
		fio:    fio,
		local:  local,
		remote: remote,
		handle: poll.NewHandle(),
		log:    o.log.With(zap.String("remote", remote)),
		inbox:  make(chan []byte, o.inFrames),
		outbox: make(chan []byte, o.outFrames),
		done:   make(chan struct{}),
	}
	c.refresh()
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *FramedConn) RemoteEndpoint() string { return c.remote }
func (c *FramedConn) LocalEndpoint() string  { return c.local }
func (c *FramedConn) Evented() *poll.Handle  { return c.handle }

func (c *FramedConn) Send(message []byte) error {
	c.mu.Lock()
	closed, werr := c.closed, c.werr
	c.mu.Unlock()
	if closed {
		return &SendError{Kind: KindDisconnected, Err: ErrDisconnected}
	}
	if werr != nil {
		return &SendError{Kind: KindOf(werr), Err: werr}
	}
	if len(message) > MaxFrameSize {
		return &SendError{Kind: KindProtocol, Msg: "message exceeds MaxFrameSize"}
	}
	buf := make([]byte, len(message))
	copy(buf, message)
	select {
	case c.outbox <- buf:
		c.refresh()
		return nil
	default:
		return sendWouldBlock
	}
}

func (c *FramedConn) Recv() ([]byte, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, &RecvError{Kind: KindDisconnected, Err: ErrDisconnected}
	}
	select {
	case b := <-c.inbox:
		c.refresh()
		return b, nil
	default:
	}
	c.mu.Lock()
	rerr := c.rerr
	c.mu.Unlock()
	if rerr != nil {
		// frames may have landed between the two checks
		select {
		case b := <-c.inbox:
			c.refresh()
			return b, nil
		default:
		}
		kind := KindOf(rerr)
		if kind == KindWouldBlock {
			kind = KindIO
		}
		return nil, &RecvError{Kind: kind, Err: rerr}
	}
	return nil, recvWouldBlock
}

// Disconnect closes the link and abandons frames still buffered in either
// direction. A second call returns a disconnected-kind DisconnectError.
func (c *FramedConn) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &DisconnectError{Kind: KindDisconnected, Msg: "already disconnected", Err: ErrDisconnected}
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	err := c.fio.Close()
	c.refresh()
	if err != nil && KindOf(err) != KindDisconnected {
		return &DisconnectError{Kind: KindIO, Err: err}
	}
	return nil
}

func (c *FramedConn) readLoop() {
	for {
		b, err := c.fio.ReadFrame()
		if err != nil {
			c.fail(&c.rerr, err)
			return
		}
		select {
		case c.inbox <- b:
			c.refresh()
		case <-c.done:
			return
		}
	}
}

func (c *FramedConn) writeLoop() {
	for {
		select {
		case b := <-c.outbox:
			c.refresh()
			if err := c.fio.WriteFrame(b); err != nil {
				c.fail(&c.werr, err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *FramedConn) fail(slot *error, err error) {
	c.mu.Lock()
	closed := c.closed
	if *slot == nil {
		*slot = err
	}
	c.mu.Unlock()
	if !closed {
		c.log.Debug("link failed", zap.Error(err))
	}
	c.refresh()
}

func (c *FramedConn) refresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var r poll.Ready
	if c.closed {
		r = poll.Readable | poll.Hup
	} else {
		pending := len(c.inbox) > 0
		if pending || c.rerr != nil {
			r |= poll.Readable
		}
		if c.werr == nil && len(c.outbox) < cap(c.outbox) {
			r |= poll.Writable
		}
		if c.werr != nil || (c.rerr != nil && !pending) {
			r |= poll.Hup
		}
	}
	c.handle.Set(r)
}
