package mesh

import (
	"errors"

	"go.uber.org/zap"

	"github.com/vaporos/splinter/pkg/poll"
	"github.com/vaporos/splinter/pkg/transport"
)

const (
	eventBatch = 256
	// readBudget caps envelopes taken from one connection per event so a
	// busy peer cannot starve the others.
	readBudget = 64
)

// run is the I/O goroutine. It is the only caller of Send and Recv on the
// connections while they belong to the mesh.
func (m *Mesh) run() {
	defer close(m.loopDone)
	events := make([]poll.Event, eventBatch)
	for {
		n, err := m.poller.Poll(events, -1)
		if err != nil {
			if !errors.Is(err, poll.ErrClosed) {
				m.log.Error("poll failed", zap.Error(err))
			}
			m.closeAll()
			return
		}
		for _, ev := range events[:n] {
			if ev.Token == wakeToken {
				m.waker.Reset()
				if m.stopping() {
					m.closeAll()
					return
				}
				m.resume()
				continue
			}
			m.serve(ID(ev.Token), ev.Ready)
		}
	}
}

func (m *Mesh) stopping() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

func (m *Mesh) entry(id ID) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[id]
}

func (m *Mesh) serve(id ID, ready poll.Ready) {
	e := m.entry(id)
	if e == nil {
		return
	}
	drained := false
	if ready.IsReadable() || ready.IsHup() {
		var alive bool
		if alive, drained = m.read(e); !alive {
			return
		}
	}
	if ready.IsWritable() || ready.IsHup() {
		if !m.flush(e) {
			return
		}
	}
	// a hang-up with nothing left to read ends the connection
	if ready.IsHup() && drained {
		m.teardown(e, transport.ErrDisconnected, true)
	}
}

// read moves envelopes from e into the inbound queue until the connection
// would block, the queue fills up, the read budget runs out or the
// connection fails. alive is false once e is gone; drained reports that the
// connection had nothing more to give.
func (m *Mesh) read(e *entry) (alive, drained bool) {
	for i := 0; i < readBudget; i++ {
		m.inMu.Lock()
		full := m.incoming.len() >= m.incomingCap
		if full {
			m.paused[e.id] = struct{}{}
		}
		m.inMu.Unlock()
		if full {
			m.pause(e)
			return true, false
		}

		b, err := e.conn.Recv()
		if err != nil {
			if errors.Is(err, transport.ErrWouldBlock) {
				return true, true
			}
			m.fail(e, err)
			return false, false
		}
		if e.removed.Load() {
			return false, false
		}
		m.inMu.Lock()
		m.incoming.push(Envelope{ID: e.id, Payload: b})
		notify(m.avail)
		m.inMu.Unlock()
		m.obs.MessageReceived(e.id, len(b))
	}
	return true, false
}

// flush writes queued messages until the outbox is empty or the connection
// would block. It returns false once e is gone.
func (m *Mesh) flush(e *entry) bool {
	for {
		e.mu.Lock()
		b, ok := e.outbox.peek()
		if !ok {
			m.updateInterest(e)
			e.mu.Unlock()
			return true
		}
		e.mu.Unlock()

		if err := e.conn.Send(b); err != nil {
			if errors.Is(err, transport.ErrWouldBlock) {
				return true
			}
			m.fail(e, err)
			return false
		}
		e.mu.Lock()
		e.outbox.pop()
		e.mu.Unlock()
		notify(e.space)
		m.obs.MessageSent(e.id, len(b))
	}
}

func (m *Mesh) fail(e *entry, err error) {
	if transport.KindOf(err) != transport.KindDisconnected {
		m.log.Warn("connection failed", zap.Uint64("id", uint64(e.id)),
			zap.String("remote", e.conn.RemoteEndpoint()), zap.Error(err))
	}
	m.teardown(e, err, true)
}

func (m *Mesh) pause(e *entry) {
	e.mu.Lock()
	if e.paused || e.dead {
		e.mu.Unlock()
		return
	}
	e.paused = true
	m.updateInterest(e)
	e.mu.Unlock()
	m.obs.ReadPaused(e.id)
}

// resume restores read interest for paused connections once Recv has made
// room in the inbound queue.
func (m *Mesh) resume() {
	m.inMu.Lock()
	if m.incoming.len() >= m.incomingCap || len(m.paused) == 0 {
		m.inMu.Unlock()
		return
	}
	ids := make([]ID, 0, len(m.paused))
	for id := range m.paused {
		ids = append(ids, id)
	}
	clear(m.paused)
	m.inMu.Unlock()

	for _, id := range ids {
		e := m.entry(id)
		if e == nil {
			continue
		}
		e.mu.Lock()
		if !e.paused || e.dead {
			e.mu.Unlock()
			continue
		}
		e.paused = false
		m.updateInterest(e)
		e.mu.Unlock()
		m.obs.ReadResumed(id)
	}
}

func (m *Mesh) closeAll() {
	m.stop()
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.conns))
	for _, e := range m.conns {
		entries = append(entries, e)
	}
	m.mu.Unlock()
	for _, e := range entries {
		m.teardown(e, nil, false)
	}
	_ = m.poller.Close()
}
