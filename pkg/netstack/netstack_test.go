package netstack

import (
	"context"
	"runtime"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vaporos/splinter/pkg/config"
	"github.com/vaporos/splinter/pkg/mesh"
	"github.com/vaporos/splinter/pkg/transport"
	"github.com/vaporos/splinter/pkg/transport/mem"
	"github.com/vaporos/splinter/pkg/transport/tcp"
	"github.com/vaporos/splinter/pkg/transport/transporttest"
)

var fast = Options{BackoffInitial: 5 * time.Millisecond, BackoffMax: 40 * time.Millisecond, BackoffJitter: time.Millisecond}

func newMesh(t *testing.T) *mesh.Mesh {
	t.Helper()
	m, err := mesh.New(16, 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })
	return m
}

func newStack(t *testing.T, tr transport.Transport, m *mesh.Mesh) *Stack {
	t.Helper()
	s := New(context.Background(), tr, m, zap.NewNop(), fast)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, transporttest.Timeout, 5*time.Millisecond)
}

func TestBuildTransportOrder(t *testing.T) {
	cfg := config.Default()
	cfg.Network.Transports = []string{"inproc", "TCP"}
	tr, err := BuildTransport(cfg, zap.NewNop())
	require.NoError(t, err)

	members := tr.Members()
	require.Len(t, members, 2)
	assert.IsType(t, &mem.Transport{}, members[0])
	assert.IsType(t, &tcp.Transport{}, members[1])
	assert.True(t, tr.Accepts("inproc://x"))
	assert.True(t, tr.Accepts("127.0.0.1:1"))
	assert.False(t, tr.Accepts("ws://127.0.0.1:1"))
}

func TestBuildTransportDefaultsToAll(t *testing.T) {
	cfg := config.Default()
	cfg.Network.Transports = nil
	tr, err := BuildTransport(cfg, zap.NewNop())
	require.NoError(t, err)
	want := len(config.KnownTransports)
	if runtime.GOOS != "windows" {
		want--
	}
	assert.Len(t, tr.Members(), want)
}

func TestBuildTransportUnknownScheme(t *testing.T) {
	cfg := config.Default()
	cfg.Network.Transports = []string{"tcp", "carrier-pigeon"}
	_, err := BuildTransport(cfg, zap.NewNop())
	var unknown ErrUnknownScheme
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, ErrUnknownScheme("carrier-pigeon"), unknown)
}

func TestBuildTransportNothingUsable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("pipe is available on windows")
	}
	cfg := config.Default()
	cfg.Network.Transports = []string{"pipe"}
	_, err := BuildTransport(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestBuildTransportBadCertificate(t *testing.T) {
	cfg := config.Default()
	cfg.Network.Transports = []string{"tls"}
	cfg.TLS.CertFile = "/nonexistent/cert.pem"
	cfg.TLS.KeyFile = "/nonexistent/key.pem"
	_, err := BuildTransport(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestSelfSignedTLSRoundTrip(t *testing.T) {
	cfg := config.Default()
	cfg.Network.Transports = []string{"tls"}
	tr, err := BuildTransport(cfg, zap.NewNop())
	require.NoError(t, err)
	transporttest.Exercise(t, tr, "tls://127.0.0.1:0")
}

func TestStackCarriesMessages(t *testing.T) {
	tr := mem.New()
	ma, mb := newMesh(t), newMesh(t)
	a, b := newStack(t, tr, ma), newStack(t, tr, mb)

	require.NoError(t, a.Start([]string{"inproc://stack-a"}, nil))
	assert.Equal(t, []string{"inproc://stack-a"}, a.Endpoints())
	b.Dial("inproc://stack-a")

	eventually(t, func() bool { return ma.Len() == 1 && mb.Len() == 1 })
	require.NoError(t, mb.Send(mb.Connections()[0], []byte("ping")))

	ctx, cancel := context.WithTimeout(context.Background(), transporttest.Timeout)
	defer cancel()
	env, err := ma.RecvContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), env.Payload)
	assert.Equal(t, ma.Connections()[0], env.ID)
}

func TestStackRedialsAfterDisconnect(t *testing.T) {
	tr := mem.New()
	ma, mb := newMesh(t), newMesh(t)
	a, b := newStack(t, tr, ma), newStack(t, tr, mb)

	_, err := a.Listen("inproc://redial")
	require.NoError(t, err)
	b.Dial("inproc://redial")
	eventually(t, func() bool { return ma.Len() == 1 })
	first := ma.Connections()[0]

	require.NoError(t, ma.Remove(first))
	eventually(t, func() bool {
		ids := ma.Connections()
		return len(ids) == 1 && !slices.Contains(ids, first)
	})
	assert.EqualValues(t, 1, b.ActiveDials())
}

func TestStackDialWaitsForListener(t *testing.T) {
	tr := mem.New()
	ma, mb := newMesh(t), newMesh(t)
	a, b := newStack(t, tr, ma), newStack(t, tr, mb)

	b.Dial("inproc://late")
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, mb.Len())

	_, err := a.Listen("inproc://late")
	require.NoError(t, err)
	eventually(t, func() bool { return ma.Len() == 1 && mb.Len() == 1 })
}

func TestStackConnectOnce(t *testing.T) {
	tr := mem.New()
	ma, mb := newMesh(t), newMesh(t)
	a, b := newStack(t, tr, ma), newStack(t, tr, mb)

	endpoint, err := a.Listen("inproc://")
	require.NoError(t, err)
	id, err := b.Connect(context.Background(), endpoint)
	require.NoError(t, err)
	remote, err := mb.RemoteEndpoint(id)
	require.NoError(t, err)
	assert.Equal(t, endpoint, remote)

	_, err = b.Connect(context.Background(), "inproc://nobody")
	assert.ErrorIs(t, err, transport.ErrIO)
}

func TestStackStartReportsBindFailures(t *testing.T) {
	tr := mem.New()
	s := newStack(t, tr, newMesh(t))
	err := s.Start([]string{"inproc://dup", "inproc://dup", "ws://127.0.0.1:0"}, nil)
	require.Error(t, err)
	assert.Equal(t, []string{"inproc://dup"}, s.Endpoints())
}

func TestStackCloseStopsLoops(t *testing.T) {
	tr := mem.New()
	s := New(context.Background(), tr, newMesh(t), zap.NewNop(), fast)
	_, err := s.Listen("inproc://closing")
	require.NoError(t, err)
	s.Dial("inproc://nowhere")
	s.Dial("tcp://127.0.0.1:1")

	require.NoError(t, s.Close())
	assert.Zero(t, s.ActiveListeners())
	assert.Zero(t, s.ActiveDials())
	assert.Empty(t, s.Endpoints())
}

func TestStackStopsWhenMeshShutsDown(t *testing.T) {
	tr := mem.New()
	ma, mb := newMesh(t), newMesh(t)
	a, b := newStack(t, tr, ma), newStack(t, tr, mb)

	_, err := a.Listen("inproc://shutdown")
	require.NoError(t, err)
	b.Dial("inproc://shutdown")
	eventually(t, func() bool { return mb.Len() == 1 })

	require.NoError(t, mb.Shutdown())
	eventually(t, func() bool { return b.ActiveDials() == 0 })
}

func TestBackoff(t *testing.T) {
	o := OptionsFromConfig(config.NetworkConfig{DialBackoffInitialMS: 100, DialBackoffMaxMS: 350, DialBackoffJitterMS: 10})
	assert.Equal(t, 100*time.Millisecond, o.initial())
	assert.Equal(t, 200*time.Millisecond, o.next(o.initial()))
	assert.Equal(t, 350*time.Millisecond, o.next(200*time.Millisecond))
	assert.Equal(t, 500*time.Millisecond, Options{}.initial())
	assert.Equal(t, 30*time.Second, Options{}.next(20*time.Second))

	for range 50 {
		d := withJitter(time.Second, o.BackoffJitter)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, time.Second+o.BackoffJitter)
	}
	assert.Equal(t, time.Second, withJitter(time.Second, 0))
}
