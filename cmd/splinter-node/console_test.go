package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vaporos/splinter/pkg/mesh"
	"github.com/vaporos/splinter/pkg/netstack"
	"github.com/vaporos/splinter/pkg/transport/mem"
	"github.com/vaporos/splinter/pkg/transport/transporttest"
)

func init() { color.NoColor = true }

// syncBuffer lets the test read output the console writes under its lock.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func node(t *testing.T, tr *mem.Transport) (*netstack.Stack, *mesh.Mesh) {
	t.Helper()
	m, err := mesh.New(16, 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })
	s := netstack.New(context.Background(), tr, m, zap.NewNop(), netstack.Options{})
	t.Cleanup(func() { _ = s.Close() })
	return s, m
}

func TestParse(t *testing.T) {
	c, err := parse("  SEND 3 hello there ")
	require.NoError(t, err)
	assert.Equal(t, command{name: "send", args: []string{"3", "hello", "there"}}, c)

	c, err = parse("peers")
	require.NoError(t, err)
	assert.Equal(t, "peers", c.name)

	for _, line := range []string{"", "frobnicate", "listen", "send 1"} {
		_, err := parse(line)
		assert.ErrorIs(t, err, errParse, line)
	}
}

func TestParseFlags(t *testing.T) {
	o := ParseFlags([]string{"-config", "node.yaml", "-console"})
	assert.Equal(t, Options{ConfigPath: "node.yaml", Console: true}, o)
	assert.Equal(t, Options{}, ParseFlags(nil))
}

func TestConsoleSession(t *testing.T) {
	tr := mem.New()
	peerStack, peerMesh := node(t, tr)
	_, err := peerStack.Listen("inproc://console-peer")
	require.NoError(t, err)

	s, m := node(t, tr)
	out := &syncBuffer{}
	script := func(lines ...string) {
		newConsole(strings.NewReader(strings.Join(lines, "\n")), out, s, m).run(context.Background())
	}
	script(
		"listen inproc://console-self",
		"connect inproc://console-peer",
		"send 1 hello mesh",
		"peers",
	)

	ctx, cancel := context.WithTimeout(context.Background(), transporttest.Timeout)
	defer cancel()
	env, err := peerMesh.RecvContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello mesh"), env.Payload)

	script(
		"remove 1",
		"remove 1",
		"send x hi",
		"bogus",
		"exit",
		"peers",
	)

	text := out.String()
	assert.Contains(t, text, "listening on inproc://console-self")
	assert.Contains(t, text, "connected 1")
	assert.Contains(t, text, "sent 10 bytes to 1")
	assert.Contains(t, text, "1\tinproc://console-peer")
	assert.Contains(t, text, "removed 1")
	assert.Contains(t, text, "unknown connection")
	assert.Contains(t, text, `bad connection id "x"`)
	assert.Contains(t, text, `unknown command "bogus"`)
	assert.Contains(t, text, "Exiting...")
	assert.NotContains(t, text, "no connections", "nothing runs after exit")
}

func TestConsoleStopsAtEOF(t *testing.T) {
	s, m := node(t, mem.New())
	out := &syncBuffer{}
	newConsole(strings.NewReader("help\n"), out, s, m).run(context.Background())
	assert.Contains(t, out.String(), "commands:")
	assert.Contains(t, out.String(), "EOF, exiting...")
}

func TestConsoleStopsWithContext(t *testing.T) {
	s, m := node(t, mem.New())
	r, w := io.Pipe()
	defer w.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		newConsole(r, &syncBuffer{}, s, m).run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(transporttest.Timeout):
		t.Fatal("console ignored cancellation")
	}
}

func TestReceivePrintsMessages(t *testing.T) {
	tr := mem.New()
	peerStack, peerMesh := node(t, tr)
	s, m := node(t, tr)

	endpoint, err := s.Listen("inproc://")
	require.NoError(t, err)
	id, err := peerStack.Connect(context.Background(), endpoint)
	require.NoError(t, err)
	require.NoError(t, peerMesh.Send(id, []byte("over here")))

	out := &syncBuffer{}
	con := newConsole(strings.NewReader(""), out, s, m)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- receive(ctx, m, con, zap.NewNop()) }()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "over here") },
		transporttest.Timeout, 5*time.Millisecond)
	require.NoError(t, peerMesh.Remove(id))
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "closed") },
		transporttest.Timeout, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
