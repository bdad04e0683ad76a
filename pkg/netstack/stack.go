package netstack

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vaporos/splinter/pkg/mesh"
	"github.com/vaporos/splinter/pkg/transport"
)

// Stack runs accept loops and dial loops that hand connections to a mesh.
type Stack struct {
	tr   transport.Transport
	mesh *mesh.Mesh
	log  *zap.Logger
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group

	mu        sync.Mutex
	listeners []transport.Listener

	activeDials     atomic.Int64
	activeListeners atomic.Int64
}

// New returns a Stack bound to ctx; cancelling ctx or calling Close stops
// every loop.
func New(ctx context.Context, tr transport.Transport, m *mesh.Mesh, log *zap.Logger, opts Options) *Stack {
	if log == nil {
		log = zap.L()
	}
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	return &Stack{tr: tr, mesh: m, log: log, opts: opts, ctx: ctx, cancel: cancel, g: g}
}

// Start listens on every bind and keeps every peer dialed. A bind that
// fails is logged and reported in the joined error; the rest still start.
func (s *Stack) Start(binds, peers []string) error {
	var errs []error
	for _, b := range binds {
		if _, err := s.Listen(b); err != nil {
			s.log.Error("listen failed", zap.String("bind", b), zap.Error(err))
			errs = append(errs, err)
		}
	}
	for _, p := range peers {
		s.Dial(p)
	}
	return errors.Join(errs...)
}

// Listen binds and starts accepting into the mesh. It returns the bound
// endpoint.
func (s *Stack) Listen(bind string) (string, error) {
	l, err := s.tr.Listen(s.ctx, bind)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
	s.log.Info("listening", zap.String("endpoint", l.Endpoint()))
	s.activeListeners.Add(1)
	s.g.Go(func() error { return s.acceptLoop(l) })
	return l.Endpoint(), nil
}

// Dial keeps endpoint connected: it connects with backoff and connects
// again whenever the mesh drops the connection.
func (s *Stack) Dial(endpoint string) {
	s.activeDials.Add(1)
	s.g.Go(func() error { return s.dialLoop(endpoint) })
}

// Connect makes one connection attempt and adds the result to the mesh.
func (s *Stack) Connect(ctx context.Context, endpoint string) (mesh.ID, error) {
	id, _, err := s.connect(ctx, endpoint)
	return id, err
}

// Endpoints lists the bound listener endpoints.
func (s *Stack) Endpoints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l.Endpoint())
	}
	return out
}

func (s *Stack) ActiveDials() int64     { return s.activeDials.Load() }
func (s *Stack) ActiveListeners() int64 { return s.activeListeners.Load() }

// Close stops all loops and listeners and waits for them. Connections
// already in the mesh stay there.
func (s *Stack) Close() error {
	s.cancel()
	s.mu.Lock()
	ls := s.listeners
	s.listeners = nil
	s.mu.Unlock()
	for i := len(ls) - 1; i >= 0; i-- {
		_ = ls[i].Close()
	}
	return s.g.Wait()
}

func (s *Stack) connect(ctx context.Context, endpoint string) (mesh.ID, <-chan struct{}, error) {
	conn, err := s.tr.Connect(ctx, endpoint)
	if err != nil {
		return 0, nil, err
	}
	id, err := s.mesh.Add(conn)
	if err != nil {
		_ = conn.Disconnect()
		return 0, nil, err
	}
	gone, err := s.mesh.Gone(id)
	if err != nil {
		// already dropped again
		closed := make(chan struct{})
		close(closed)
		return id, closed, nil
	}
	return id, gone, nil
}
