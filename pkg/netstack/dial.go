package netstack

import (
	"errors"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/vaporos/splinter/pkg/mesh"
)

func (s *Stack) dialLoop(endpoint string) error {
	defer s.activeDials.Add(-1)
	if !s.tr.Accepts(endpoint) {
		s.log.Error("no transport for peer", zap.String("endpoint", endpoint))
		return nil
	}
	backoff := s.opts.initial()
	for s.ctx.Err() == nil {
		id, gone, err := s.connect(s.ctx, endpoint)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, mesh.ErrShutdown) {
				return nil
			}
			s.log.Warn("dial failed", zap.String("endpoint", endpoint),
				zap.Duration("retry_in", backoff), zap.Error(err))
			if !s.sleep(withJitter(backoff, s.opts.BackoffJitter)) {
				return nil
			}
			backoff = s.opts.next(backoff)
			continue
		}
		backoff = s.opts.initial()
		s.log.Info("dialed", zap.String("endpoint", endpoint), zap.Uint64("id", uint64(id)))

		select {
		case <-gone:
			s.log.Info("peer connection lost", zap.String("endpoint", endpoint), zap.Uint64("id", uint64(id)))
		case <-s.ctx.Done():
			return nil
		}
		if !s.sleep(withJitter(backoff, s.opts.BackoffJitter)) {
			return nil
		}
	}
	return nil
}

// sleep waits for d and reports false if the stack stopped first.
func (s *Stack) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// withJitter adds a random 0..jitter to d.
func withJitter(d, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return d
	}
	return d + rand.N(jitter)
}
