//go:build !windows

package netstack

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/vaporos/splinter/pkg/transport"
)

func newWinPipeTransport(*zap.Logger) (transport.Transport, error) {
	return nil, fmt.Errorf("pipe: %w", ErrUnsupported)
}
