// Package multi aggregates transports behind one transport.Transport.
//
// Members are consulted in registration order and the first one whose
// Accepts matches an address handles it. When prefixes overlap the earlier
// member wins, so register the more specific transport first.
package multi

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vaporos/splinter/pkg/transport"
)

const instrumentation = "github.com/vaporos/splinter/pkg/transport/multi"

// Transport dispatches to its members by address.
type Transport struct {
	members []transport.Transport
	tracer  trace.Tracer
}

type Option func(*Transport)

// WithTracerProvider sets where connect and listen spans go. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(t *Transport) { t.tracer = tp.Tracer(instrumentation) }
}

// New aggregates members in the given order.
func New(members []transport.Transport, opts ...Option) *Transport {
	t := &Transport{members: append([]transport.Transport(nil), members...), tracer: otel.Tracer(instrumentation)}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Members returns the members in dispatch order.
func (t *Transport) Members() []transport.Transport {
	return append([]transport.Transport(nil), t.members...)
}

func (t *Transport) Accepts(address string) bool {
	_, ok := t.pick(address)
	return ok
}

func (t *Transport) pick(address string) (int, bool) {
	for i, m := range t.members {
		if m.Accepts(address) {
			return i, true
		}
	}
	return -1, false
}

func unrecognized(address string) string {
	scheme := transport.Scheme(address)
	if scheme == "" {
		return fmt.Sprintf("unrecognized scheme in %q", address)
	}
	return fmt.Sprintf("unrecognized scheme %q in %q", scheme, address)
}

func (t *Transport) Connect(ctx context.Context, endpoint string) (transport.Connection, error) {
	ctx, span := t.tracer.Start(ctx, "transport.connect", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("transport.endpoint", endpoint)))
	defer span.End()

	i, ok := t.pick(endpoint)
	if !ok {
		err := &transport.ConnectError{Kind: transport.KindProtocol, Endpoint: endpoint, Msg: unrecognized(endpoint)}
		fail(span, err)
		return nil, err
	}
	span.SetAttributes(member(i, t.members[i])...)
	c, err := t.members[i].Connect(ctx, endpoint)
	if err != nil {
		fail(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("transport.local", c.LocalEndpoint()))
	return c, nil
}

func (t *Transport) Listen(ctx context.Context, bind string) (transport.Listener, error) {
	ctx, span := t.tracer.Start(ctx, "transport.listen", trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("transport.bind", bind)))
	defer span.End()

	i, ok := t.pick(bind)
	if !ok {
		err := &transport.ListenError{Kind: transport.KindProtocol, Bind: bind, Msg: unrecognized(bind)}
		fail(span, err)
		return nil, err
	}
	span.SetAttributes(member(i, t.members[i])...)
	l, err := t.members[i].Listen(ctx, bind)
	if err != nil {
		fail(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("transport.endpoint", l.Endpoint()))
	return l, nil
}

func member(i int, m transport.Transport) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int("transport.member", i),
		attribute.String("transport.type", fmt.Sprintf("%T", m)),
	}
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, transport.KindOf(err).String())
}
