package transport

import (
	"context"

	"github.com/vaporos/splinter/pkg/poll"
)

// Connection is a bi-directional, message oriented link between two nodes.
//
// Send and Recv never block on the network: when the link cannot accept or
// produce a message right now they fail with an error for which
// errors.Is(err, ErrWouldBlock) holds, and the caller retries once Evented
// reports readiness. After Disconnect every Send and Recv fails with a
// disconnected-kind error.
type Connection interface {
	// Send queues one message. The connection keeps its own copy of message.
	Send(message []byte) error
	// Recv returns the next message received from the remote end.
	Recv() ([]byte, error)
	// RemoteEndpoint returns the scheme-qualified address of the remote end.
	RemoteEndpoint() string
	// LocalEndpoint returns the scheme-qualified address of the local end.
	LocalEndpoint() string
	// Disconnect shuts the connection down. It is terminal.
	Disconnect() error
	// Evented returns the readiness handle used to poll this connection.
	Evented() *poll.Handle
}

// Listener produces inbound connections on a bound endpoint.
type Listener interface {
	// Accept blocks until a peer connects, ctx is done or the listener is
	// closed. Accept errors are not fatal to the listener unless their kind
	// is KindDisconnected.
	Accept(ctx context.Context) (Connection, error)
	// Endpoint returns the scheme-qualified address actually bound.
	Endpoint() string
	// Close stops listening and unblocks pending Accepts.
	Close() error
}

// Transport creates connections and listeners for the endpoints it accepts.
type Transport interface {
	// Accepts reports whether address uses a scheme this transport handles.
	// It depends on the address string only.
	Accepts(address string) bool
	// Connect dials endpoint. ctx bounds connection setup only.
	Connect(ctx context.Context, endpoint string) (Connection, error)
	// Listen binds to bind. ctx bounds listener setup only.
	Listen(ctx context.Context, bind string) (Listener, error)
}
