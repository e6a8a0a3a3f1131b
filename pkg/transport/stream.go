package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"sync"
)

// MaxFrameSize bounds a single message on stream based transports.
const MaxFrameSize = 1 << 20

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// FramedStream turns a byte stream into a message stream. Each message is
// prefixed with its uvarint length. Empty messages are skipped on read.
type FramedStream struct {
	r *bufio.Reader
	w io.Writer

	mu  sync.Mutex
	hdr [binary.MaxVarintLen64]byte
}

func NewFramedStream(rw io.ReadWriter) *FramedStream {
	return &FramedStream{
		r: bufio.NewReader(rw),
		w: rw,
	}
}

func (s *FramedStream) ReadFrame() ([]byte, error) {
	for {
		n, err := binary.ReadUvarint(s.r)
		if err != nil {
			return nil, err
		}
		if n > MaxFrameSize {
			return nil, ErrFrameTooLarge
		}
		if n == 0 {
			continue
		}

		buf := make([]byte, n)
		if _, err := io.ReadFull(s.r, buf); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		return buf, nil
	}
}

// WriteFrame is safe for concurrent use.
func (s *FramedStream) WriteFrame(p []byte) error {
	if len(p) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := binary.PutUvarint(s.hdr[:], uint64(len(p)))
	buf := make([]byte, 0, n+len(p))
	buf = append(buf, s.hdr[:n]...)
	buf = append(buf, p...)

	_, err := s.w.Write(buf)
	return err
}

// WritePreamble writes an empty frame. Stream based transports only
// announce a stream to the remote once data was written to it.
func (s *FramedStream) WritePreamble() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.w.Write([]byte{0})
	return err
}
