package publish

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/satindergrewal/airwave/internal/audio"
)

// Source yields fixed 20ms frames of interleaved PCM. Read blocks until the
// next frame is due and returns io.EOF when the source is exhausted. Close
// releases the underlying device and must be safe to call more than once.
type Source interface {
	Read(ctx context.Context) ([]int16, error)
	Close() error
}

// SampleSource replays a decoded PCM buffer one frame per tick, the way a
// live device would deliver it.
type SampleSource struct {
	samples   []int16
	frame     int
	pos       int
	loop      bool
	ticker    *time.Ticker
	closeOnce sync.Once
	closed    chan struct{}
}

// NewSampleSource paces samples at one frame per interval. An interval of
// zero delivers frames as fast as they are read. With loop set, playback
// restarts at the beginning instead of returning io.EOF.
func NewSampleSource(samples []int16, sampleRate, channels int, interval time.Duration, loop bool) *SampleSource {
	s := &SampleSource{
		samples: samples,
		frame:   audio.SamplesPerFrame(sampleRate, channels),
		loop:    loop,
		closed:  make(chan struct{}),
	}
	if interval > 0 {
		s.ticker = time.NewTicker(interval)
	}
	return s
}

// NewFileSource decodes path with ffmpeg and paces it in real time.
func NewFileSource(ctx context.Context, path string, sampleRate, channels int, loop bool) (*SampleSource, error) {
	samples, err := audio.DecodeFile(ctx, path, sampleRate, channels)
	if err != nil {
		return nil, err
	}
	if len(samples) < audio.SamplesPerFrame(sampleRate, channels) {
		return nil, fmt.Errorf("%s: shorter than one frame", path)
	}
	return NewSampleSource(samples, sampleRate, channels, audio.FrameDuration, loop), nil
}

func (s *SampleSource) Read(ctx context.Context) ([]int16, error) {
	if s.pos+s.frame > len(s.samples) {
		if !s.loop || len(s.samples) < s.frame {
			return nil, io.EOF
		}
		s.pos = 0
	}

	if s.ticker != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closed:
			return nil, io.EOF
		case <-s.ticker.C:
		}
	} else {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closed:
			return nil, io.EOF
		default:
		}
	}

	out := s.samples[s.pos : s.pos+s.frame]
	s.pos += s.frame
	return out, nil
}

func (s *SampleSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.ticker != nil {
			s.ticker.Stop()
		}
	})
	return nil
}
