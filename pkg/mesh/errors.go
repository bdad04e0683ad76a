package mesh

import (
	"errors"
	"fmt"

	"github.com/vaporos/splinter/pkg/transport"
)

// ErrorKind classifies mesh failures.
type ErrorKind int

const (
	KindUnknownConnection ErrorKind = iota
	KindQueueFull
	KindCapacity
	KindShutdown
	// KindDisconnected marks a connection that was torn down: the notice
	// Recv returns when it died, and the error its senders get. The cause,
	// if any, is available through Unwrap.
	KindDisconnected
	// KindAlreadyAdded rejects a connection that is already registered.
	KindAlreadyAdded
)

func (k ErrorKind) String() string {
	switch k {
	case KindQueueFull:
		return "queue full"
	case KindCapacity:
		return "connection limit reached"
	case KindShutdown:
		return "shut down"
	case KindDisconnected:
		return "disconnected"
	case KindAlreadyAdded:
		return "connection already added"
	default:
		return "unknown connection"
	}
}

var (
	ErrUnknownConnection = errors.New("mesh: unknown connection")
	ErrQueueFull         = errors.New("mesh: queue full")
	ErrCapacity          = errors.New("mesh: connection limit reached")
	ErrShutdown          = errors.New("mesh: shut down")
	ErrAlreadyAdded      = errors.New("mesh: connection already added")
)

// Error is returned by every Mesh operation.
type Error struct {
	Kind ErrorKind
	ID   ID
	Err  error
}

func (e *Error) Error() string {
	s := "mesh: " + e.Kind.String()
	if e.ID != 0 {
		s += fmt.Sprintf(" (connection %d)", e.ID)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the kind. KindDisconnected matches
// transport.ErrDisconnected.
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindUnknownConnection:
		return target == ErrUnknownConnection
	case KindQueueFull:
		return target == ErrQueueFull
	case KindCapacity:
		return target == ErrCapacity
	case KindShutdown:
		return target == ErrShutdown
	case KindDisconnected:
		return target == transport.ErrDisconnected
	case KindAlreadyAdded:
		return target == ErrAlreadyAdded
	}
	return false
}
