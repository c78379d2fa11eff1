package audio

import "time"

const (
	SampleRate    = 48000
	Channels      = 1
	FrameDuration = 20 * time.Millisecond
	FrameSize     = 960                  // samples per channel per 20ms frame at 48kHz
	FrameSamples  = FrameSize * Channels // total interleaved samples per frame
	FrameBytes    = FrameSamples * 2     // bytes per frame (int16 = 2 bytes)
)

// SamplesPerFrame returns the interleaved sample count of one 20ms frame at
// the given rate and channel count.
func SamplesPerFrame(sampleRate, channels int) int {
	return sampleRate * int(FrameDuration/time.Millisecond) / 1000 * channels
}

// Frame is one block of decoded, interleaved PCM. Frames may carry any channel
// count and sample rate; Duration is derived from both.
type Frame struct {
	Samples    []int16
	Channels   int
	SampleRate int

	release func([]int16)
}

// NewFrame wraps samples in a Frame. release, if non-nil, is called once by
// Release to hand the sample buffer back to its owner.
func NewFrame(samples []int16, channels, sampleRate int, release func([]int16)) Frame {
	return Frame{Samples: samples, Channels: channels, SampleRate: sampleRate, release: release}
}

// Len returns samples per channel.
func (f Frame) Len() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Len()) * time.Second / time.Duration(f.SampleRate)
}

// Release returns the sample buffer to its owner. The frame must not be used
// afterwards.
func (f *Frame) Release() {
	if f.release != nil {
		f.release(f.Samples)
		f.release = nil
	}
	f.Samples = nil
}
