package netstack

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/vaporos/splinter/pkg/mesh"
	"github.com/vaporos/splinter/pkg/transport"
)

// acceptPause throttles a listener that keeps failing with I/O errors.
const acceptPause = 50 * time.Millisecond

func (s *Stack) acceptLoop(l transport.Listener) error {
	defer s.activeListeners.Add(-1)
	endpoint := l.Endpoint()
	for conn, err := range transport.Incoming(s.ctx, l) {
		if err != nil {
			if errors.Is(err, transport.ErrDisconnected) {
				return nil
			}
			s.log.Warn("accept failed", zap.String("endpoint", endpoint), zap.Error(err))
			if transport.KindOf(err) == transport.KindIO && !s.sleep(acceptPause) {
				return nil
			}
			continue
		}
		id, err := s.mesh.Add(conn)
		if err != nil {
			_ = conn.Disconnect()
			if errors.Is(err, mesh.ErrShutdown) {
				return nil
			}
			s.log.Warn("inbound connection refused", zap.String("remote", conn.RemoteEndpoint()), zap.Error(err))
			continue
		}
		s.log.Info("inbound connection", zap.Uint64("id", uint64(id)),
			zap.String("remote", conn.RemoteEndpoint()), zap.String("listener", endpoint))
	}
	return nil
}
