package audio

import (
	"bytes"
	"fmt"

	soxr "github.com/zaf/resample"
)

// Resampler converts a continuous int16 stream between sample rates. It is
// stateful: soxr may hold back a few samples between calls, so one Resampler
// must be used per stream.
type Resampler struct {
	r   *soxr.Resampler
	out *bytes.Buffer // soxr writes here; read back after each Write
	in  []byte
}

// NewResampler creates a resampler from one rate to another.
func NewResampler(from, to, channels int) (*Resampler, error) {
	out := &bytes.Buffer{}
	r, err := soxr.New(out, float64(from), float64(to), channels, soxr.I16, soxr.HighQ)
	if err != nil {
		return nil, fmt.Errorf("create resampler %d->%d: %w", from, to, err)
	}
	return &Resampler{r: r, out: out}, nil
}

// Process resamples samples. The result may be empty while soxr is priming.
func (r *Resampler) Process(samples []int16) ([]int16, error) {
	if len(samples) == 0 {
		return nil, nil
	}

	size := len(samples) * 2
	if cap(r.in) < size {
		r.in = make([]byte, size)
	}
	in := r.in[:size]
	PutSamples(in, samples)

	r.out.Reset()
	if _, err := r.r.Write(in); err != nil {
		return nil, fmt.Errorf("resampler write: %w", err)
	}
	return BytesToSamples(r.out.Bytes()), nil
}

// Close releases the soxr state.
func (r *Resampler) Close() error {
	return r.r.Close()
}

// Framer cuts an arbitrary-length sample stream into fixed-size frames,
// carrying the remainder over to the next call.
type Framer struct {
	size int
	hold []int16
}

// NewFramer returns a Framer emitting frames of size interleaved samples.
func NewFramer(size int) *Framer {
	return &Framer{size: size, hold: make([]int16, 0, size*2)}
}

// Push appends samples and returns every complete frame now available. The
// returned frames do not alias internal storage.
func (f *Framer) Push(samples []int16) [][]int16 {
	f.hold = append(f.hold, samples...)
	var frames [][]int16
	for len(f.hold) >= f.size {
		frame := make([]int16, f.size)
		copy(frame, f.hold[:f.size])
		frames = append(frames, frame)
		f.hold = f.hold[f.size:]
	}
	// Compact so hold doesn't grow without bound.
	if len(f.hold) > 0 && cap(f.hold) > f.size*4 {
		f.hold = append(make([]int16, 0, f.size*2), f.hold...)
	}
	return frames
}

// Pending returns the number of buffered samples not yet forming a frame.
func (f *Framer) Pending() int {
	return len(f.hold)
}
