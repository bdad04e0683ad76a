package poll

import (
	"sync"
	"sync/atomic"
)

// Handle is the readiness source of one connection. The owner publishes its
// state with Set; a Poller the handle is registered with observes it.
// A handle is registered with at most one poller at a time.
type Handle struct {
	ready atomic.Uint32

	mu     sync.Mutex
	reg    *registration
	poller *Poller
}

func NewHandle() *Handle { return &Handle{} }

// Readiness returns the last published readiness.
func (h *Handle) Readiness() Ready { return Ready(h.ready.Load()) }

// Set publishes the full readiness state. Setting any bit wakes a poller
// blocked on this handle.
func (h *Handle) Set(r Ready) {
	h.ready.Store(uint32(r))
	if r == 0 {
		return
	}
	h.mu.Lock()
	if h.reg != nil {
		h.poller.mark(h.reg.token)
	}
	h.mu.Unlock()
}

// Registered reports whether the handle currently belongs to a poller.
func (h *Handle) Registered() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reg != nil
}

// Waker interrupts a blocked Poll. Wake marks the waker readable until
// Reset is called by the polling goroutine.
type Waker struct {
	h *Handle
}

// NewWaker registers a waker with p under token.
func NewWaker(p *Poller, token Token) (*Waker, error) {
	w := &Waker{h: NewHandle()}
	if err := p.Register(w.h, token, Readable); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Waker) Wake() { w.h.Set(Readable) }

func (w *Waker) Reset() { w.h.Set(0) }
