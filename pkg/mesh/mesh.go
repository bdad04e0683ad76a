// Package mesh multiplexes many transport connections over one I/O
// goroutine.
//
// Key concepts:
//   - Entries: every added connection gets a stable ID and a bounded outbox.
//     Structural changes go through one registry lock; queue traffic takes
//     only the per-entry or inbound lock.
//   - I/O loop: a single goroutine waits on a poll.Poller for readiness of
//     every connection plus a waker used for control signals, then performs
//     all Send and Recv calls on the connections.
//   - Bounds: the inbound queue holds at most incomingCapacity envelopes
//     across all connections; each outbox holds at most outgoingCapacity
//     messages. Send fails with ErrQueueFull instead of growing a queue.
//   - Backpressure: when the inbound queue is full the loop stops watching
//     the connection for reads. Unread data stays in the transport, which
//     pushes back on the remote sender. Reads resume once Recv makes room.
//
// A *Mesh is a shared handle: copy the pointer to use it from any number
// of goroutines.
package mesh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/vaporos/splinter/pkg/poll"
	"github.com/vaporos/splinter/pkg/transport"
)

// ID identifies a connection for the lifetime of a Mesh. IDs are never
// reused and never zero.
type ID uint64

// Envelope is a message received on the connection ID.
type Envelope struct {
	ID      ID
	Payload []byte
}

const wakeToken poll.Token = 0

// Mesh owns a set of connections and the goroutine serving them.
type Mesh struct {
	log         *zap.Logger
	obs         Observer
	incomingCap int
	outgoingCap int
	maxConns    int

	poller *poll.Poller
	waker  *poll.Waker

	mu     sync.Mutex
	conns  map[ID]*entry
	died   map[ID]error
	nextID ID
	closed bool

	inMu     sync.Mutex
	incoming ring[Envelope]
	notices  ring[Envelope]
	causes   map[ID]error
	paused   map[ID]struct{}
	avail    chan struct{}

	done     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
}

// entry is one registered connection.
type entry struct {
	id   ID
	conn transport.Connection

	mu     sync.Mutex
	outbox ring[[]byte]
	paused bool
	dead   bool
	cause  error

	space   chan struct{}
	gone    chan struct{}
	removed atomic.Bool
}

type Option func(*Mesh)

func WithLogger(l *zap.Logger) Option {
	return func(m *Mesh) {
		if l != nil {
			m.log = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(m *Mesh) {
		if o != nil {
			m.obs = o
		}
	}
}

// WithMaxConnections makes Add fail with ErrCapacity beyond n live
// connections. Zero means no limit.
func WithMaxConnections(n int) Option { return func(m *Mesh) { m.maxConns = n } }

// New starts a mesh. incomingCapacity bounds envelopes waiting for Recv
// across all connections; outgoingCapacity bounds messages waiting to be
// written per connection. Both must be positive.
func New(incomingCapacity, outgoingCapacity int, opts ...Option) (*Mesh, error) {
	if incomingCapacity <= 0 || outgoingCapacity <= 0 {
		return nil, errors.New("mesh: capacities must be positive")
	}
	m := &Mesh{
		log:         zap.L(),
		obs:         nopObserver{},
		incomingCap: incomingCapacity,
		outgoingCap: outgoingCapacity,
		poller:      poll.New(),
		conns:       make(map[ID]*entry),
		died:        make(map[ID]error),
		nextID:      1,
		causes:      make(map[ID]error),
		paused:      make(map[ID]struct{}),
		avail:       make(chan struct{}, 1),
		done:        make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	w, err := poll.NewWaker(m.poller, wakeToken)
	if err != nil {
		_ = m.poller.Close()
		return nil, err
	}
	m.waker = w
	go m.run()
	return m, nil
}

// Add registers conn and returns its ID. The mesh owns the connection from
// now on and disconnects it on Remove or Shutdown.
func (m *Mesh) Add(conn transport.Connection) (ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, &Error{Kind: KindShutdown}
	}
	if m.maxConns > 0 && len(m.conns) >= m.maxConns {
		return 0, &Error{Kind: KindCapacity}
	}
	id := m.nextID
	e := &entry{id: id, conn: conn, space: make(chan struct{}, 1), gone: make(chan struct{})}
	if err := m.poller.Register(conn.Evented(), poll.Token(id), poll.Readable|poll.Hup); err != nil {
		if errors.Is(err, poll.ErrClosed) {
			return 0, &Error{Kind: KindShutdown, Err: err}
		}
		return 0, &Error{Kind: KindAlreadyAdded, Err: err}
	}
	m.nextID++
	m.conns[id] = e
	m.log.Debug("connection added", zap.Uint64("id", uint64(id)), zap.String("remote", conn.RemoteEndpoint()))
	m.obs.ConnectionAdded(id, conn.RemoteEndpoint())
	return id, nil
}

// Remove disconnects and forgets id. Queued outbound messages are dropped;
// envelopes already received stay available to Recv. A second Remove of
// the same ID returns ErrUnknownConnection. Removing a connection that
// already died on its own forgets it, so later calls report it as unknown
// instead of disconnected.
func (m *Mesh) Remove(id ID) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return &Error{Kind: KindShutdown, ID: id}
	}
	e := m.conns[id]
	m.mu.Unlock()
	if e != nil && m.teardown(e, nil, false) {
		return nil
	}
	if m.forget(id) {
		return nil
	}
	return &Error{Kind: KindUnknownConnection, ID: id}
}

// forget drops the record of a connection that died on its own and reports
// whether there was one.
func (m *Mesh) forget(id ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.died[id]
	delete(m.died, id)
	return ok
}

// Disconnect is Remove.
func (m *Mesh) Disconnect(id ID) error { return m.Remove(id) }

// Send queues a copy of payload for id without blocking. It fails with
// ErrQueueFull while the connection's outbox is full, and with an error
// matching transport.ErrDisconnected once the connection has been torn
// down.
func (m *Mesh) Send(id ID, payload []byte) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	if len(payload) > transport.MaxFrameSize {
		return &transport.SendError{Kind: transport.KindProtocol, Msg: "message exceeds MaxFrameSize"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return &Error{Kind: KindDisconnected, ID: id, Err: e.cause}
	}
	if e.outbox.len() >= m.outgoingCap {
		m.obs.SendRejected(id)
		return &Error{Kind: KindQueueFull, ID: id}
	}
	b := make([]byte, len(payload))
	copy(b, payload)
	e.outbox.push(b)
	if e.outbox.len() == 1 {
		m.updateInterest(e)
	}
	if e.outbox.len() < m.outgoingCap {
		notify(e.space)
	}
	return nil
}

// SendWait is Send that waits for outbox space instead of failing with
// ErrQueueFull. A wait cut short by the connection going away returns an
// error matching transport.ErrDisconnected.
func (m *Mesh) SendWait(ctx context.Context, id ID, payload []byte) error {
	for {
		err := m.Send(id, payload)
		if !errors.Is(err, ErrQueueFull) {
			return err
		}
		e, lerr := m.lookup(id)
		if lerr != nil {
			return lerr
		}
		select {
		case <-e.space:
		case <-e.gone:
			select {
			case <-m.done:
				return &Error{Kind: KindShutdown, ID: id}
			default:
			}
			return &Error{Kind: KindDisconnected, ID: id, Err: e.causeOf()}
		case <-m.done:
			return &Error{Kind: KindShutdown, ID: id}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Recv blocks until an envelope is available. When a connection dies on
// its own, Recv reports it once, after that connection's remaining
// envelopes, as an Envelope carrying only the ID and an error of kind
// KindDisconnected. After Shutdown, queued envelopes are still returned and
// then ErrShutdown.
func (m *Mesh) Recv() (Envelope, error) {
	return m.RecvContext(context.Background())
}

// RecvContext is Recv bounded by ctx.
func (m *Mesh) RecvContext(ctx context.Context) (Envelope, error) {
	for {
		env, ok, err := m.TryRecv()
		if ok || err != nil {
			return env, err
		}
		select {
		case <-m.avail:
		case <-m.done:
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		}
	}
}

// TryRecv is Recv that never blocks; ok is false when nothing is queued.
func (m *Mesh) TryRecv() (env Envelope, ok bool, err error) {
	m.inMu.Lock()
	defer m.inMu.Unlock()
	if env, ok = m.incoming.pop(); ok {
		if len(m.paused) > 0 {
			m.waker.Wake()
		}
	} else if env, ok = m.notices.pop(); ok {
		err = &Error{Kind: KindDisconnected, ID: env.ID, Err: m.causes[env.ID]}
		delete(m.causes, env.ID)
	} else {
		select {
		case <-m.done:
			return Envelope{}, false, &Error{Kind: KindShutdown}
		default:
			return Envelope{}, false, nil
		}
	}
	if m.incoming.len() > 0 || m.notices.len() > 0 {
		notify(m.avail)
	}
	return env, true, err
}

// Connections returns the IDs of live connections.
func (m *Mesh) Connections() []ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]ID, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of live connections.
func (m *Mesh) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Pending returns how many envelopes wait for Recv.
func (m *Mesh) Pending() int {
	m.inMu.Lock()
	defer m.inMu.Unlock()
	return m.incoming.len()
}

// RemoteEndpoint returns the remote endpoint of id.
func (m *Mesh) RemoteEndpoint(id ID) (string, error) {
	e, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	return e.conn.RemoteEndpoint(), nil
}

// Gone returns a channel that is closed once id leaves the mesh, whatever
// the reason.
func (m *Mesh) Gone(id ID) (<-chan struct{}, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.gone, nil
}

// Shutdown disconnects every connection and stops the I/O goroutine. It is
// safe to call more than once. Blocked Recv and SendWait calls return.
func (m *Mesh) Shutdown() error {
	m.stop()
	m.waker.Wake()
	<-m.loopDone
	return nil
}

func (m *Mesh) stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.done)
	})
}

func (m *Mesh) lookup(id ID) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, &Error{Kind: KindShutdown, ID: id}
	}
	e := m.conns[id]
	if e == nil {
		if cause, ok := m.died[id]; ok {
			return nil, &Error{Kind: KindDisconnected, ID: id, Err: cause}
		}
		return nil, &Error{Kind: KindUnknownConnection, ID: id}
	}
	return e, nil
}

func (e *entry) causeOf() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cause
}

// updateInterest requires e.mu.
func (m *Mesh) updateInterest(e *entry) {
	if e.dead {
		return
	}
	var interest poll.Ready
	if !e.paused {
		interest = poll.Readable | poll.Hup
	}
	if e.outbox.len() > 0 {
		interest |= poll.Writable
	}
	if err := m.poller.Reregister(e.conn.Evented(), interest); err != nil && !errors.Is(err, poll.ErrClosed) {
		m.log.Debug("reregister", zap.Uint64("id", uint64(e.id)), zap.Error(err))
	}
}

// teardown removes e exactly once. notice marks a connection that died on
// its own: it queues a disconnect report for Recv carrying cause and keeps
// the ID known as disconnected until Remove forgets it.
func (m *Mesh) teardown(e *entry, cause error, notice bool) bool {
	if !e.removed.CompareAndSwap(false, true) {
		return false
	}
	if notice && cause == nil {
		cause = transport.ErrDisconnected
	}
	m.mu.Lock()
	delete(m.conns, e.id)
	if notice && !m.closed {
		m.died[e.id] = cause
	}
	m.mu.Unlock()

	e.mu.Lock()
	e.dead = true
	e.cause = cause
	wasPaused := e.paused
	dropped := e.outbox.len()
	e.outbox.clear()
	e.mu.Unlock()
	close(e.gone)

	_ = m.poller.Deregister(e.conn.Evented())
	if err := e.conn.Disconnect(); err != nil && transport.KindOf(err) != transport.KindDisconnected {
		m.log.Debug("disconnect", zap.Uint64("id", uint64(e.id)), zap.Error(err))
	}

	m.inMu.Lock()
	delete(m.paused, e.id)
	if notice {
		m.notices.push(Envelope{ID: e.id})
		m.causes[e.id] = cause
		notify(m.avail)
	}
	m.inMu.Unlock()

	fields := []zap.Field{zap.Uint64("id", uint64(e.id)), zap.Int("dropped", dropped)}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	m.log.Debug("connection removed", fields...)
	if wasPaused {
		m.obs.ReadResumed(e.id)
	}
	m.obs.ConnectionRemoved(e.id, cause)
	return true
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
