package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds a single message on length-prefixed links.
const MaxFrameSize = 1 << 24

// FrameIO moves whole messages over a blocking channel. ReadFrame is called
// from one goroutine and WriteFrame from another; Close must unblock both.
type FrameIO interface {
	ReadFrame() ([]byte, error)
	WriteFrame([]byte) error
	Close() error
}

// streamFrames frames a byte stream with a u32 LE length prefix.
type streamFrames struct {
	c  io.ReadWriteCloser
	br *bufio.Reader

	mu sync.Mutex
	bw *bufio.Writer
}

// NewStreamFrames frames a duplex byte stream with a u32 little-endian
// length prefix per message.
func NewStreamFrames(c io.ReadWriteCloser) FrameIO {
	return &streamFrames{c: c, br: bufio.NewReader(c), bw: bufio.NewWriter(c)}
}

func (s *streamFrames) WriteFrame(b []byte) error {
	if len(b) > MaxFrameSize {
		return &SendError{Kind: KindProtocol, Msg: fmt.Sprintf("frame of %d bytes exceeds limit", len(b))}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
	if _, err := s.bw.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := s.bw.Write(b); err != nil {
		return err
	}
	return s.bw.Flush()
}

func (s *streamFrames) ReadFrame() ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(s.br, lenbuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenbuf[:])
	if n > MaxFrameSize {
		return nil, &RecvError{Kind: KindProtocol, Msg: fmt.Sprintf("invalid frame size %d", n)}
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *streamFrames) Close() error { return s.c.Close() }
