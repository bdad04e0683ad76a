package observability

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vaporos/splinter/pkg/mesh"
	"github.com/vaporos/splinter/pkg/transport"
)

const namespace = "splinter"

// MeshMetrics records mesh activity as prometheus metrics. It implements
// mesh.Observer.
type MeshMetrics struct {
	connections   prometheus.Gauge
	added         prometheus.Counter
	removed       *prometheus.CounterVec
	messages      *prometheus.CounterVec
	bytes         *prometheus.CounterVec
	rejected      prometheus.Counter
	pausedReaders prometheus.Gauge
	pauses        prometheus.Counter
}

var _ mesh.Observer = (*MeshMetrics)(nil)

// NewMeshMetrics creates the collectors and registers them with reg.
func NewMeshMetrics(reg prometheus.Registerer) (*MeshMetrics, error) {
	m := &MeshMetrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "connections",
			Help: "Connections currently owned by the mesh.",
		}),
		added: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "connections_added_total",
			Help: "Connections added to the mesh.",
		}),
		removed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "connections_removed_total",
			Help: "Connections removed from the mesh, by reason.",
		}, []string{"reason"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "messages_total",
			Help: "Messages moved by the mesh.",
		}, []string{"direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "bytes_total",
			Help: "Payload bytes moved by the mesh.",
		}, []string{"direction"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "send_rejected_total",
			Help: "Sends refused because the outbox was full.",
		}),
		pausedReaders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "paused_readers",
			Help: "Connections whose reads are paused by a full inbound queue.",
		}),
		pauses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "read_pauses_total",
			Help: "Times a connection's reads were paused.",
		}),
	}
	for _, c := range []prometheus.Collector{m.connections, m.added, m.removed, m.messages, m.bytes, m.rejected, m.pausedReaders, m.pauses} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *MeshMetrics) ConnectionAdded(mesh.ID, string) {
	m.connections.Inc()
	m.added.Inc()
}

func (m *MeshMetrics) ConnectionRemoved(_ mesh.ID, cause error) {
	m.connections.Dec()
	m.removed.WithLabelValues(reason(cause)).Inc()
}

func (m *MeshMetrics) MessageReceived(_ mesh.ID, size int) {
	m.messages.WithLabelValues("in").Inc()
	m.bytes.WithLabelValues("in").Add(float64(size))
}

func (m *MeshMetrics) MessageSent(_ mesh.ID, size int) {
	m.messages.WithLabelValues("out").Inc()
	m.bytes.WithLabelValues("out").Add(float64(size))
}

func (m *MeshMetrics) SendRejected(mesh.ID) { m.rejected.Inc() }

func (m *MeshMetrics) ReadPaused(mesh.ID) {
	m.pausedReaders.Inc()
	m.pauses.Inc()
}

func (m *MeshMetrics) ReadResumed(mesh.ID) { m.pausedReaders.Dec() }

// reason labels a removal: "local" for Remove and Shutdown, otherwise the
// transport error kind.
func reason(cause error) string {
	if cause == nil {
		return "local"
	}
	if errors.Is(cause, transport.ErrDisconnected) {
		return "peer"
	}
	return kindLabel(transport.KindOf(cause))
}

func kindLabel(k transport.ErrorKind) string {
	switch k {
	case transport.KindProtocol:
		return "protocol"
	case transport.KindIO:
		return "io"
	default:
		return "kind_" + strconv.Itoa(int(k))
	}
}

// MetricsHandler serves the registry in the prometheus text format.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
