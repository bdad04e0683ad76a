package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/vaporos/splinter/pkg/mesh"
	"github.com/vaporos/splinter/pkg/netstack"
)

const usage = `commands:
  listen <endpoint>     accept connections on endpoint
  connect <endpoint>    connect once
  dial <endpoint>       keep endpoint connected
  send <id> <text>      send text to a connection
  peers                 list connections
  remove <id>           disconnect a connection
  help                  show this text
  exit                  leave the console`

var errParse = errors.New("parse error")

type command struct {
	name string
	args []string
}

// arity is the minimum argument count of each command.
var arity = map[string]int{
	"listen": 1, "connect": 1, "dial": 1, "send": 2,
	"peers": 0, "remove": 1, "help": 0, "exit": 0,
}

func parse(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, errParse
	}
	c := command{name: strings.ToLower(fields[0]), args: fields[1:]}
	n, ok := arity[c.name]
	if !ok {
		return command{}, fmt.Errorf("%w: unknown command %q", errParse, fields[0])
	}
	if len(c.args) < n {
		return command{}, fmt.Errorf("%w: %s needs %d argument(s)", errParse, c.name, n)
	}
	return c, nil
}

// console is a line-oriented connection manager over a node's stack and
// mesh.
type console struct {
	in    io.Reader
	stack *netstack.Stack
	mesh  *mesh.Mesh

	mu   sync.Mutex
	out  io.Writer
	ok   *color.Color
	bad  *color.Color
	note *color.Color
	data *color.Color
}

func newConsole(in io.Reader, out io.Writer, s *netstack.Stack, m *mesh.Mesh) *console {
	return &console{
		in: in, out: out, stack: s, mesh: m,
		ok:   color.New(color.FgGreen),
		bad:  color.New(color.FgRed),
		note: color.New(color.FgBlue),
		data: color.New(color.FgCyan),
	}
}

func (c *console) printf(col *color.Color, format string, a ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = col.Fprintf(c.out, format+"\n", a...)
}

// message prints an envelope delivered by the mesh.
func (c *console) message(env mesh.Envelope) {
	c.printf(c.data, "[%d] %s", env.ID, env.Payload)
}

func (c *console) disconnected(id mesh.ID, err error) {
	c.printf(c.note, "connection %d closed: %v", id, err)
}

// run reads commands until exit, end of input or ctx ends.
func (c *console) run(ctx context.Context) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				c.printf(c.note, "EOF, exiting...")
				return
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if !c.exec(ctx, line) {
				return
			}
		}
	}
}

// exec runs one command line and reports whether to keep going.
func (c *console) exec(ctx context.Context, line string) bool {
	cmd, err := parse(line)
	if err != nil {
		c.printf(c.bad, "%v", err)
		return true
	}
	switch cmd.name {
	case "exit":
		c.printf(c.note, "Exiting...")
		return false
	case "help":
		c.printf(c.note, "%s", usage)
	case "listen":
		endpoint, err := c.stack.Listen(cmd.args[0])
		if err != nil {
			c.printf(c.bad, "listen: %v", err)
			break
		}
		c.printf(c.ok, "listening on %s", endpoint)
	case "connect":
		id, err := c.stack.Connect(ctx, cmd.args[0])
		if err != nil {
			c.printf(c.bad, "connect: %v", err)
			break
		}
		c.printf(c.ok, "connected %d", id)
	case "dial":
		c.stack.Dial(cmd.args[0])
		c.printf(c.ok, "dialing %s", cmd.args[0])
	case "send":
		id, err := parseID(cmd.args[0])
		if err != nil {
			c.printf(c.bad, "send: %v", err)
			break
		}
		text := strings.Join(cmd.args[1:], " ")
		if err := c.mesh.SendWait(ctx, id, []byte(text)); err != nil {
			c.printf(c.bad, "send: %v", err)
			break
		}
		c.printf(c.ok, "sent %d bytes to %d", len(text), id)
	case "peers":
		ids := c.mesh.Connections()
		slices.Sort(ids)
		if len(ids) == 0 {
			c.printf(c.note, "no connections")
		}
		for _, id := range ids {
			remote, err := c.mesh.RemoteEndpoint(id)
			if err != nil {
				continue
			}
			c.printf(c.note, "%d\t%s", id, remote)
		}
	case "remove":
		id, err := parseID(cmd.args[0])
		if err != nil {
			c.printf(c.bad, "remove: %v", err)
			break
		}
		if err := c.mesh.Remove(id); err != nil {
			c.printf(c.bad, "remove: %v", err)
			break
		}
		c.printf(c.ok, "removed %d", id)
	}
	return true
}

func parseID(s string) (mesh.ID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad connection id %q", s)
	}
	return mesh.ID(n), nil
}
