//go:build windows

package netstack

import (
	"go.uber.org/zap"

	"github.com/vaporos/splinter/pkg/transport"
	"github.com/vaporos/splinter/pkg/transport/winpipe"
)

func newWinPipeTransport(log *zap.Logger) (transport.Transport, error) {
	return winpipe.New(winpipe.WithLogger(log)), nil
}
