// Package netstack connects transports to a mesh for a running node. It
// builds the enabled transports from configuration, accepts on listen
// endpoints and keeps configured peers dialed.
package netstack

import (
	stdtls "crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vaporos/splinter/pkg/config"
	"github.com/vaporos/splinter/pkg/transport"
	"github.com/vaporos/splinter/pkg/transport/mem"
	"github.com/vaporos/splinter/pkg/transport/multi"
	"github.com/vaporos/splinter/pkg/transport/quic"
	"github.com/vaporos/splinter/pkg/transport/tcp"
	ttls "github.com/vaporos/splinter/pkg/transport/tls"
	"github.com/vaporos/splinter/pkg/transport/ws"
)

// ErrUnsupported marks a transport that cannot run on this platform.
var ErrUnsupported = errors.New("transport not supported on this platform")

// ErrUnknownScheme names a scheme no transport implements.
type ErrUnknownScheme string

func (e ErrUnknownScheme) Error() string { return "unknown transport scheme: " + string(e) }

// Options tune the dial loops.
type Options struct {
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffJitter  time.Duration
}

// OptionsFromConfig converts the millisecond settings of c.
func OptionsFromConfig(c config.NetworkConfig) Options {
	return Options{
		BackoffInitial: time.Duration(c.DialBackoffInitialMS) * time.Millisecond,
		BackoffMax:     time.Duration(c.DialBackoffMaxMS) * time.Millisecond,
		BackoffJitter:  time.Duration(c.DialBackoffJitterMS) * time.Millisecond,
	}
}

func (o Options) initial() time.Duration {
	if o.BackoffInitial <= 0 {
		return 500 * time.Millisecond
	}
	return o.BackoffInitial
}

func (o Options) next(d time.Duration) time.Duration {
	ceil := o.BackoffMax
	if ceil <= 0 {
		ceil = 30 * time.Second
	}
	if d *= 2; d > ceil {
		d = ceil
	}
	return d
}

// BuildTransport constructs the transports enabled in cfg.Network.Transports
// and aggregates them in that order. Transports this platform lacks are
// skipped with a warning.
func BuildTransport(cfg *config.Config, log *zap.Logger, opts ...multi.Option) (*multi.Transport, error) {
	if log == nil {
		log = zap.L()
	}
	var server, client *stdtls.Config
	secure := func() (*stdtls.Config, *stdtls.Config, error) {
		if server != nil {
			return server, client, nil
		}
		s, c, err := tlsConfigs(cfg.TLS, log)
		if err != nil {
			return nil, nil, err
		}
		server, client = s, c
		return server, client, nil
	}

	schemes := cfg.Network.Transports
	if len(schemes) == 0 {
		schemes = config.KnownTransports
	}
	var members []transport.Transport
	for _, scheme := range schemes {
		tr, err := newByScheme(strings.ToLower(scheme), secure, log)
		if errors.Is(err, ErrUnsupported) {
			log.Warn("transport not available", zap.String("scheme", scheme), zap.Error(err))
			continue
		}
		if err != nil {
			return nil, err
		}
		members = append(members, tr)
	}
	if len(members) == 0 {
		return nil, errors.New("netstack: no usable transports")
	}
	return multi.New(members, opts...), nil
}

func newByScheme(scheme string, secure func() (*stdtls.Config, *stdtls.Config, error), log *zap.Logger) (transport.Transport, error) {
	switch scheme {
	case tcp.Scheme:
		return tcp.New(tcp.WithLogger(log)), nil
	case ttls.Scheme:
		server, client, err := secure()
		if err != nil {
			return nil, err
		}
		return ttls.New(server, client, ttls.WithLogger(log)), nil
	case ws.Scheme:
		return ws.New(ws.WithLogger(log)), nil
	case quic.Scheme:
		server, client, err := secure()
		if err != nil {
			return nil, err
		}
		return quic.New(server, client, quic.WithLogger(log)), nil
	case mem.Scheme:
		return mem.New(mem.WithLogger(log)), nil
	case "pipe":
		return newWinPipeTransport(log)
	default:
		return nil, ErrUnknownScheme(scheme)
	}
}

// tlsConfigs loads the configured key pair. Without one the node serves an
// ephemeral self-signed certificate and its client side skips verification,
// since peers cannot know that certificate in advance.
func tlsConfigs(c config.TLSConfig, log *zap.Logger) (server, client *stdtls.Config, err error) {
	if c.CertFile != "" {
		server, client, err = ttls.LoadConfig(c.CertFile, c.KeyFile, c.CAFile, c.InsecureSkipVerify)
		if err != nil {
			return nil, nil, fmt.Errorf("netstack: %w", err)
		}
		return server, client, nil
	}
	server, client, err = ttls.SelfSigned(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("netstack: self-signed certificate: %w", err)
	}
	client.InsecureSkipVerify = true
	log.Warn("no tls certificate configured; using an ephemeral one and skipping server verification")
	return server, client, nil
}
