package transport

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"sync/atomic"
)

// Stream is one ordered, reliable, framed byte stream to a single peer.
// WriteFrame is safe for concurrent use; Frames must be consumed by one
// goroutine.
type Stream struct {
	rwc      io.ReadWriteCloser
	fr       *FrameReader
	peer     string
	protocol string

	wmu       sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewStream wraps an established byte stream. No handshake is performed.
func NewStream(rwc io.ReadWriteCloser, peer, protocol string) *Stream {
	return &Stream{
		rwc:      rwc,
		fr:       NewFrameReader(rwc),
		peer:     peer,
		protocol: protocol,
	}
}

// Peer returns the remote address the stream was opened to or accepted from.
func (s *Stream) Peer() string { return s.peer }

// Protocol returns the negotiated protocol id.
func (s *Stream) Protocol() string { return s.protocol }

// WriteFrame sends one frame.
func (s *Stream) WriteFrame(payload []byte) error {
	if s.closed.Load() {
		return &TransportError{Op: "write", Err: ErrClosed}
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return WriteFrame(s.rwc, payload)
}

// Frames yields received frames in order. The sequence ends without error
// when the peer closes cleanly or the stream is closed locally; any other
// failure is yielded once as the final element.
func (s *Stream) Frames() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			frame, err := s.fr.ReadFrame()
			if err != nil {
				if errors.Is(err, io.EOF) || s.closed.Load() {
					return
				}
				yield(nil, err)
				return
			}
			if !yield(frame, nil) {
				return
			}
		}
	}
}

// Close closes the underlying stream. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.rwc.Close()
	})
	return s.closeErr
}

// Handshake sends the protocol id as the first frame of a dialed stream.
func (s *Stream) Handshake() error {
	return s.WriteFrame([]byte(s.protocol))
}

// AcceptHandshake reads the first frame of an accepted stream and checks it
// against want.
func (s *Stream) AcceptHandshake(want string) error {
	first, err := s.fr.ReadFrame()
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return &TransportError{Op: "accept", Err: fmt.Errorf("protocol id: %w", err)}
	}
	if string(first) != want {
		return &TransportError{Op: "accept", Err: fmt.Errorf("%w: got %q, want %q", ErrProtocolMismatch, first, want)}
	}
	s.protocol = want
	return nil
}
