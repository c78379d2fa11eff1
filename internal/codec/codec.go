// Package codec adapts the Opus engine to airwave's frame model: PCM frames
// in, one Opus access unit out, and back again.
package codec

import (
	"errors"
	"fmt"
	"sync"

	"gopkg.in/hraban/opus.v2"

	"github.com/satindergrewal/airwave/internal/audio"
)

// maxPacketSize bounds one encoded Opus packet (RFC 6716 recommends 4000).
const maxPacketSize = 4000

// maxFrameSamples is the largest Opus frame per channel: 120ms at 48kHz.
const maxFrameSamples = 5760

// ErrCodec is matched by every CodecError.
var ErrCodec = errors.New("codec")

// CodecError reports an encode or decode failure.
type CodecError struct {
	Op  string // "encode", "decode", "init"
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("codec %s: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

func (e *CodecError) Is(target error) bool { return target == ErrCodec }

// Encoder turns PCM frames into Opus packets.
type Encoder struct {
	enc      *opus.Encoder
	buf      []byte
	channels int
	rate     int
}

// NewEncoder creates a VoIP-tuned Opus encoder.
func NewEncoder(sampleRate, channels, bitrate int) (*Encoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, &CodecError{Op: "init", Err: err}
	}
	if bitrate > 0 {
		if err := enc.SetBitrate(bitrate); err != nil {
			return nil, &CodecError{Op: "init", Err: fmt.Errorf("set bitrate %d: %w", bitrate, err)}
		}
	}
	return &Encoder{
		enc:      enc,
		buf:      make([]byte, maxPacketSize),
		channels: channels,
		rate:     sampleRate,
	}, nil
}

// Encode compresses one frame of interleaved PCM. The frame length must be a
// valid Opus frame size (2.5 to 60ms); the capture path always supplies 20ms.
// The returned packet is a fresh slice owned by the caller.
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) == 0 || len(pcm)%e.channels != 0 {
		return nil, &CodecError{Op: "encode", Err: fmt.Errorf("bad frame length %d for %d channels", len(pcm), e.channels)}
	}
	n, err := e.enc.Encode(pcm, e.buf)
	if err != nil {
		return nil, &CodecError{Op: "encode", Err: err}
	}
	pkt := make([]byte, n)
	copy(pkt, e.buf[:n])
	return pkt, nil
}

// Decoder turns Opus packets back into PCM frames. Decoded sample buffers are
// pooled; Frame.Release hands them back.
type Decoder struct {
	dec      *opus.Decoder
	channels int
	rate     int
	pool     sync.Pool
}

// NewDecoder creates a decoder producing frames at sampleRate.
func NewDecoder(sampleRate, channels int) (*Decoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, &CodecError{Op: "init", Err: err}
	}
	d := &Decoder{dec: dec, channels: channels, rate: sampleRate}
	d.pool.New = func() any {
		buf := make([]int16, maxFrameSamples*channels)
		return &buf
	}
	return d, nil
}

// Decode decompresses one packet. An empty packet is a decode error: DTX
// gaps are absorbed by the scheduler, not concealed here.
func (d *Decoder) Decode(pkt []byte) (audio.Frame, error) {
	if len(pkt) == 0 {
		return audio.Frame{}, &CodecError{Op: "decode", Err: errors.New("empty packet")}
	}

	bufp := d.pool.Get().(*[]int16)
	buf := (*bufp)[:cap(*bufp)]
	n, err := d.dec.Decode(pkt, buf)
	if err != nil {
		d.pool.Put(bufp)
		return audio.Frame{}, &CodecError{Op: "decode", Err: err}
	}

	release := func([]int16) { d.pool.Put(bufp) }
	return audio.NewFrame(buf[:n*d.channels], d.channels, d.rate, release), nil
}

// SampleRate returns the decoder's output rate.
func (d *Decoder) SampleRate() int { return d.rate }

// Channels returns the decoder's output channel count.
func (d *Decoder) Channels() int { return d.channels }
