// Package poll implements level-triggered readiness polling over sources
// that are not file descriptors.
//
// Every connection owns a Handle and publishes its current readiness to it.
// A Poller registers many handles under caller-chosen tokens and blocks in
// Poll until at least one registered handle is ready for the interest it was
// registered with. A Waker is a synthetic handle used to interrupt a blocked
// Poll from another goroutine.
package poll

import (
	"errors"
	"sync"
	"time"
)

// Ready is a readiness bitmask.
type Ready uint8

const (
	Readable Ready = 1 << iota
	Writable
	// Hup reports that the source is closed or failed.
	Hup
)

func (r Ready) IsReadable() bool { return r&Readable != 0 }
func (r Ready) IsWritable() bool { return r&Writable != 0 }
func (r Ready) IsHup() bool      { return r&Hup != 0 }

func (r Ready) String() string {
	if r == 0 {
		return "none"
	}
	s := ""
	add := func(name string) {
		if s != "" {
			s += "|"
		}
		s += name
	}
	if r.IsReadable() {
		add("readable")
	}
	if r.IsWritable() {
		add("writable")
	}
	if r.IsHup() {
		add("hup")
	}
	return s
}

// Token identifies a registration within one Poller.
type Token uint64

// Event is one readiness notification returned by Poll.
type Event struct {
	Token Token
	Ready Ready
}

var (
	ErrClosed            = errors.New("poll: poller closed")
	ErrAlreadyRegistered = errors.New("poll: handle already registered")
	ErrNotRegistered     = errors.New("poll: handle not registered")
	ErrTokenInUse        = errors.New("poll: token in use")
)

type registration struct {
	h        *Handle
	token    Token
	interest Ready
}

// Poller multiplexes readiness from many handles. It is safe for concurrent
// use: registrations may change while another goroutine is blocked in Poll.
type Poller struct {
	mu      sync.Mutex
	regs    map[Token]*registration
	pending map[Token]struct{}
	notify  chan struct{}
	closed  bool
}

func New() *Poller {
	return &Poller{
		regs:    make(map[Token]*registration),
		pending: make(map[Token]struct{}),
		notify:  make(chan struct{}, 1),
	}
}

// Register starts delivering readiness of h under token.
func (p *Poller) Register(h *Handle, token Token, interest Ready) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reg != nil {
		return ErrAlreadyRegistered
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if _, ok := p.regs[token]; ok {
		p.mu.Unlock()
		return ErrTokenInUse
	}
	r := &registration{h: h, token: token, interest: interest}
	p.regs[token] = r
	h.reg = r
	h.poller = p
	p.mu.Unlock()
	if h.Readiness() != 0 {
		p.mark(token)
	}
	return nil
}

// Reregister replaces the interest set of an existing registration.
func (p *Poller) Reregister(h *Handle, interest Ready) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reg == nil || h.poller != p {
		return ErrNotRegistered
	}
	p.mu.Lock()
	h.reg.interest = interest
	token := h.reg.token
	p.mu.Unlock()
	if h.Readiness() != 0 {
		p.mark(token)
	}
	return nil
}

// Deregister removes h from the poller. Pending events for it are dropped.
func (p *Poller) Deregister(h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reg == nil || h.poller != p {
		return ErrNotRegistered
	}
	p.mu.Lock()
	delete(p.regs, h.reg.token)
	delete(p.pending, h.reg.token)
	p.mu.Unlock()
	h.reg = nil
	h.poller = nil
	return nil
}

// Len returns the number of registered handles.
func (p *Poller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.regs)
}

// Poll fills events with ready registrations and returns how many were
// written. A negative timeout blocks until something is ready or the poller
// is closed; a zero timeout never blocks. A timeout with nothing ready
// returns (0, nil).
func (p *Poller) Poll(events []Event, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		n, err := p.collect(events)
		if err != nil || n > 0 {
			return n, err
		}
		if timeout == 0 {
			return 0, nil
		}
		select {
		case <-p.notify:
		case <-deadline:
			return p.collect(events)
		}
	}
}

// collect is level-triggered: a token stays pending for as long as its
// handle keeps reporting readiness matching the interest.
func (p *Poller) collect(events []Event) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	n := 0
	for token := range p.pending {
		if n == len(events) {
			// more remain; make sure the next Poll does not block
			p.signal()
			break
		}
		r, ok := p.regs[token]
		if !ok {
			delete(p.pending, token)
			continue
		}
		ready := r.h.Readiness() & r.interest
		if ready == 0 {
			delete(p.pending, token)
			continue
		}
		events[n] = Event{Token: token, Ready: ready}
		n++
	}
	return n, nil
}

// Close releases every registration and fails current and future Polls.
func (p *Poller) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	regs := p.regs
	p.regs = make(map[Token]*registration)
	p.pending = make(map[Token]struct{})
	p.signal()
	p.mu.Unlock()
	for _, r := range regs {
		r.h.mu.Lock()
		if r.h.poller == p {
			r.h.reg = nil
			r.h.poller = nil
		}
		r.h.mu.Unlock()
	}
	return nil
}

func (p *Poller) mark(token Token) {
	p.mu.Lock()
	if _, ok := p.regs[token]; ok {
		p.pending[token] = struct{}{}
		p.signal()
	}
	p.mu.Unlock()
}

// signal requires p.mu.
func (p *Poller) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}
