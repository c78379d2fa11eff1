package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// MaxFrameSize caps a single point-to-point frame. An Opus access unit is far
// smaller; anything larger is a framing error.
const MaxFrameSize = 64 << 10

// WriteFrame writes [varint length][payload] in a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return &TransportError{Op: "write", Err: fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))}
	}
	buf := make([]byte, 0, quicvarint.Len(uint64(len(payload)))+len(payload))
	buf = quicvarint.Append(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	if _, err := w.Write(buf); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// FrameReader reads length-prefixed frames written by WriteFrame.
type FrameReader struct {
	r *bufio.Reader
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// ReadFrame returns the next frame. It returns io.EOF, unwrapped, when the
// peer closed cleanly on a frame boundary.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	l, err := quicvarint.Read(fr.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, &TransportError{Op: "read", Err: fmt.Errorf("frame length: %w", err)}
	}
	if l > MaxFrameSize {
		return nil, &TransportError{Op: "read", Err: fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, l)}
	}

	payload := make([]byte, l)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, &TransportError{Op: "read", Err: fmt.Errorf("frame payload: %w", err)}
	}
	return payload, nil
}
