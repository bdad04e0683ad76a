package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// ErrorKind classifies transport failures.
type ErrorKind int

const (
	KindIO ErrorKind = iota
	KindWouldBlock
	KindProtocol
	KindDisconnected
)

func (k ErrorKind) String() string {
	switch k {
	case KindWouldBlock:
		return "would block"
	case KindProtocol:
		return "protocol error"
	case KindDisconnected:
		return "disconnected"
	default:
		return "io error"
	}
}

// Sentinels matched by every typed error of the same kind, so callers can
// write errors.Is(err, transport.ErrWouldBlock) regardless of operation.
var (
	ErrIO           = errors.New("transport: io error")
	ErrWouldBlock   = errors.New("transport: operation would block")
	ErrProtocol     = errors.New("transport: protocol error")
	ErrDisconnected = errors.New("transport: disconnected")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindWouldBlock:
		return ErrWouldBlock
	case KindProtocol:
		return ErrProtocol
	case KindDisconnected:
		return ErrDisconnected
	default:
		return ErrIO
	}
}

func format(op string, kind ErrorKind, subject, msg string, err error) string {
	s := op
	if subject != "" {
		s += " " + subject
	}
	s += ": " + kind.String()
	if msg != "" {
		s += ": " + msg
	}
	if err != nil {
		s += ": " + err.Error()
	}
	return s
}

// ConnectError is returned by Transport.Connect.
type ConnectError struct {
	Kind     ErrorKind
	Endpoint string
	Msg      string
	Err      error
}

func (e *ConnectError) Error() string {
	return format("connect", e.Kind, e.Endpoint, e.Msg, e.Err)
}
func (e *ConnectError) Unwrap() error        { return e.Err }
func (e *ConnectError) Is(target error) bool { return target == e.Kind.sentinel() }

// ListenError is returned by Transport.Listen.
type ListenError struct {
	Kind ErrorKind
	Bind string
	Msg  string
	Err  error
}

func (e *ListenError) Error() string        { return format("listen", e.Kind, e.Bind, e.Msg, e.Err) }
func (e *ListenError) Unwrap() error        { return e.Err }
func (e *ListenError) Is(target error) bool { return target == e.Kind.sentinel() }

// AcceptError is returned by Listener.Accept. Only KindDisconnected means
// the listener is done; other kinds concern a single inbound attempt.
type AcceptError struct {
	Kind     ErrorKind
	Endpoint string
	Msg      string
	Err      error
}

func (e *AcceptError) Error() string {
	return format("accept", e.Kind, e.Endpoint, e.Msg, e.Err)
}
func (e *AcceptError) Unwrap() error        { return e.Err }
func (e *AcceptError) Is(target error) bool { return target == e.Kind.sentinel() }

// SendError is returned by Connection.Send.
type SendError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *SendError) Error() string        { return format("send", e.Kind, "", e.Msg, e.Err) }
func (e *SendError) Unwrap() error        { return e.Err }
func (e *SendError) Is(target error) bool { return target == e.Kind.sentinel() }

// RecvError is returned by Connection.Recv.
type RecvError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *RecvError) Error() string        { return format("recv", e.Kind, "", e.Msg, e.Err) }
func (e *RecvError) Unwrap() error        { return e.Err }
func (e *RecvError) Is(target error) bool { return target == e.Kind.sentinel() }

// DisconnectError is returned by Connection.Disconnect. The connection is
// considered closed even when it is returned.
type DisconnectError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *DisconnectError) Error() string        { return format("disconnect", e.Kind, "", e.Msg, e.Err) }
func (e *DisconnectError) Unwrap() error        { return e.Err }
func (e *DisconnectError) Is(target error) bool { return target == e.Kind.sentinel() }

// InvalidProtocol builds the protocol error every transport returns for an
// endpoint it does not accept.
func InvalidProtocol(address string) string {
	return fmt.Sprintf("invalid protocol %q", address)
}

// KindOf maps an underlying error to an ErrorKind. Typed transport errors
// keep their kind; timeouts and EAGAIN are would-block; EOF, closed sockets
// and resets are disconnects.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindIO
	}
	var (
		ce *ConnectError
		le *ListenError
		ae *AcceptError
		se *SendError
		re *RecvError
		de *DisconnectError
	)
	switch {
	case errors.As(err, &ce):
		return ce.Kind
	case errors.As(err, &le):
		return le.Kind
	case errors.As(err, &ae):
		return ae.Kind
	case errors.As(err, &se):
		return se.Kind
	case errors.As(err, &re):
		return re.Kind
	case errors.As(err, &de):
		return de.Kind
	}
	switch {
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, os.ErrDeadlineExceeded):
		return KindWouldBlock
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE),
		errors.Is(err, context.Canceled):
		return KindDisconnected
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindWouldBlock
	}
	return KindIO
}
