package transport

import (
	"context"
	"errors"
	"iter"
)

// Incoming turns repeated l.Accept calls into a lazy sequence. Non-fatal
// accept errors are yielded and accepting continues; the sequence ends after
// yielding a disconnected-kind error (listener closed) or when ctx is done.
// Ranging again resumes accepting on the same listener.
func Incoming(ctx context.Context, l Listener) iter.Seq2[Connection, error] {
	return func(yield func(Connection, error) bool) {
		for {
			if ctx.Err() != nil {
				return
			}
			conn, err := l.Accept(ctx)
			if err != nil && ctx.Err() != nil {
				return
			}
			if !yield(conn, err) {
				return
			}
			if err != nil && errors.Is(err, ErrDisconnected) {
				return
			}
		}
	}
}
