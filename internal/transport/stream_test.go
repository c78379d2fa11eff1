package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	frames := [][]byte{{0x01}, bytes.Repeat([]byte{0xEE}, 1000), {}, bytes.Repeat([]byte{0x7F}, MaxFrameSize)}
	for _, f := range frames {
		if err := WriteFrame(&buf, f); err != nil {
			t.Fatalf("WriteFrame(%d bytes): %v", len(f), err)
		}
	}

	fr := NewFrameReader(&buf)
	for i, want := range frames {
		got, err := fr.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d: got %d bytes, want %d", i, len(got), len(want))
		}
	}
	if _, err := fr.ReadFrame(); err != io.EOF {
		t.Errorf("ReadFrame at end err = %v, want io.EOF", err)
	}
}

func TestWriteFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, MaxFrameSize+1))
	if !errors.Is(err, ErrFrameTooLarge) || !errors.Is(err, ErrTransport) {
		t.Errorf("err = %v, want ErrFrameTooLarge", err)
	}
	if buf.Len() != 0 {
		t.Errorf("wrote %d bytes for rejected frame", buf.Len())
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	// varint 0x80 prefix: 4-byte length of 1 MiB
	fr := NewFrameReader(bytes.NewReader([]byte{0x80, 0x10, 0x00, 0x00}))
	if _, err := fr.ReadFrame(); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	fr := NewFrameReader(bytes.NewReader([]byte{0x05, 0x01, 0x02}))
	_, err := fr.ReadFrame()
	if !errors.Is(err, io.ErrUnexpectedEOF) || !errors.Is(err, ErrTransport) {
		t.Errorf("err = %v, want wrapped io.ErrUnexpectedEOF", err)
	}
}

func pipe() (*Stream, *Stream) {
	a, b := net.Pipe()
	return NewStream(a, "b", "/test/1"), NewStream(b, "a", "")
}

func TestStreamFramesInOrder(t *testing.T) {
	w, r := pipe()

	go func() {
		for i := 0; i < 10; i++ {
			w.WriteFrame([]byte{byte(i)})
		}
		w.Close()
	}()

	var got []byte
	for frame, err := range r.Frames() {
		if err != nil {
			t.Fatalf("Frames: %v", err)
		}
		got = append(got, frame[0])
	}
	if len(got) != 10 {
		t.Fatalf("got %d frames, want 10", len(got))
	}
	for i, v := range got {
		if v != byte(i) {
			t.Errorf("frame %d = %d", i, v)
		}
	}
}

func TestStreamFramesReportsError(t *testing.T) {
	a, b := net.Pipe()
	r := NewStream(b, "a", "")
	go func() {
		a.Write([]byte{0x05, 0x01}) // length 5, only 1 byte follows
		a.Close()
	}()

	var final error
	n := 0
	for _, err := range r.Frames() {
		n++
		final = err
	}
	if n != 1 || !errors.Is(final, ErrTransport) {
		t.Errorf("got %d elements, final err %v; want one transport error", n, final)
	}
}

func TestStreamLocalCloseEndsCleanly(t *testing.T) {
	_, r := pipe()
	done := make(chan error, 1)
	go func() {
		var last error
		for _, err := range r.Frames() {
			last = err
		}
		done <- last
	}()

	r.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Frames after local Close yielded %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Frames did not end after Close")
	}

	if err := r.WriteFrame([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteFrame after Close err = %v, want ErrClosed", err)
	}
}

func TestStreamHandshake(t *testing.T) {
	w, r := pipe()
	go w.Handshake()
	if err := r.AcceptHandshake("/test/1"); err != nil {
		t.Fatalf("AcceptHandshake: %v", err)
	}
	if r.Protocol() != "/test/1" {
		t.Errorf("Protocol = %q", r.Protocol())
	}

	w, r = pipe()
	go w.Handshake()
	if err := r.AcceptHandshake("/other/1"); !errors.Is(err, ErrProtocolMismatch) {
		t.Errorf("mismatched handshake err = %v, want ErrProtocolMismatch", err)
	}
}

func TestQUICStream(t *testing.T) {
	tlsConf, err := ServerTLS()
	if err != nil {
		t.Fatalf("ServerTLS: %v", err)
	}
	ln, err := Listen("127.0.0.1:0", tlsConf, "/airwave/audio/1.0.0", nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan *Stream, 1)
	go func() {
		s, err := ln.Accept(ctx)
		if err != nil {
			t.Errorf("Accept: %v", err)
			close(accepted)
			return
		}
		accepted <- s
	}()

	var d Dialer
	out, err := d.OpenStream(ctx, ln.Addr().String(), "/airwave/audio/1.0.0")
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer out.Close()

	for i := 0; i < 5; i++ {
		if err := out.WriteFrame([]byte{byte(i), 0xFC}); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	in, ok := <-accepted
	if !ok {
		return
	}
	defer in.Close()

	i := 0
	for frame, err := range in.Frames() {
		if err != nil {
			t.Fatalf("Frames: %v", err)
		}
		if frame[0] != byte(i) {
			t.Errorf("frame %d = %v", i, frame)
		}
		i++
		if i == 5 {
			break
		}
	}
	if i != 5 {
		t.Errorf("received %d frames, want 5", i)
	}
}

func TestOpenStreamDialError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	var d Dialer
	_, err := d.OpenStream(ctx, "127.0.0.1:1", "/airwave/audio/1.0.0")
	var de *DialError
	if !errors.As(err, &de) || de.Protocol != "/airwave/audio/1.0.0" {
		t.Errorf("OpenStream err = %v, want *DialError", err)
	}
}
